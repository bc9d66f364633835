package stream

import "go.olrik.dev/camwarden/internal/core"

// streamArgs builds the relay command line: read the camera over RTSP and
// push to the relay endpoint.
func streamArgs(cfg *core.Configuration, key string) []string {
	args := []string{"-hide_banner", "-loglevel", "warning", "-nostdin"}
	if cfg.Camera.Transport != "" {
		args = append(args, "-rtsp_transport", cfg.Camera.Transport)
	}
	args = append(args, cfg.Stream.InputOptions...)
	args = append(args, "-i", cfg.SourceURL())
	args = append(args, cfg.Stream.VideoOptions...)
	args = append(args, cfg.Stream.AudioOptions...)
	args = append(args, cfg.Stream.OutputOptions...)
	args = append(args, "-f", cfg.Output.Format, cfg.OutputURL(key))
	return args
}

// snapshotArgs grabs a single JPEG frame from the camera onto stdout.
func snapshotArgs(cfg *core.Configuration) []string {
	args := []string{"-hide_banner", "-loglevel", "error", "-nostdin"}
	if cfg.Camera.Transport != "" {
		args = append(args, "-rtsp_transport", cfg.Camera.Transport)
	}
	return append(args,
		"-i", cfg.SourceURL(),
		"-frames:v", "1",
		"-f", "image2pipe",
		"-vcodec", "mjpeg",
		"pipe:1",
	)
}
