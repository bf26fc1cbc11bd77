package ffmpeg

// Config contains ffmpeg parameters
type Config struct {
	// Binary is the ffmpeg executable, "ffmpeg" if empty.
	Binary        string
	VideoDevice   string
	VideoFilename string
	Framerate     int
}

func (c Config) binary() string {
	if c.Binary == "" {
		return "ffmpeg"
	}
	return c.Binary
}

func (c Config) framerate() int {
	if c.Framerate <= 0 {
		return 30
	}
	return c.Framerate
}
