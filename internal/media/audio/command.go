package audio

import "strconv"

// command builds an ffmpeg argument list. Ordering matters: seek and limit
// flags placed before -i apply to input demuxing, which is what keeps window
// extraction cheap on long episodes.
type command struct {
	pre    []string
	in     string
	filter string
	encode []string
}

func newCommand() *command {
	return &command{}
}

func (c *command) fastSeek(start float64) *command {
	if start > 0 {
		c.pre = append(c.pre, "-ss", formatSeconds(start))
	}
	return c
}

func (c *command) limit(duration float64) *command {
	c.pre = append(c.pre, "-t", formatSeconds(duration))
	return c
}

func (c *command) input(path string) *command {
	c.in = path
	return c
}

func (c *command) audioFilter(filter string) *command {
	c.filter = filter
	return c
}

func (c *command) canonicalEncode(bitrateKbps int) *command {
	c.encode = canonicalEncodeArgs(bitrateKbps)
	return c
}

func (c *command) build(output string) []string {
	args := []string{"-y", "-hide_banner", "-loglevel", "error"}
	args = append(args, c.pre...)
	args = append(args, "-i", c.in)
	if c.filter != "" {
		args = append(args, "-af", c.filter)
	}
	args = append(args, c.encode...)
	args = append(args, output)
	return args
}

func canonicalEncodeArgs(bitrateKbps int) []string {
	return []string{
		"-c:a", "libmp3lame",
		"-b:a", formatBitrate(bitrateKbps),
		"-ar", "44100",
		"-ac", "2",
	}
}

func formatBitrate(kbps int) string {
	if kbps <= 0 {
		kbps = 128
	}
	return strconv.Itoa(kbps) + "k"
}
