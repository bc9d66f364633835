package stream

import (
	"errors"
	"net"
	"net/url"
	"strconv"
	"strings"

	"go.olrik.dev/camwarden/internal/process"
)

// ErrorCode is the closed set of stream failure categories.
type ErrorCode string

const (
	CameraUnreachable       ErrorCode = "CAMERA_UNREACHABLE"
	UpstreamUnreachable     ErrorCode = "UPSTREAM_UNREACHABLE"
	InvalidOutputCredential ErrorCode = "INVALID_OUTPUT_CREDENTIAL"
	BadExecutable           ErrorCode = "BAD_EXECUTABLE"
	ExpectedTermination     ErrorCode = "EXPECTED_TERMINATION"
	Unknown                 ErrorCode = "UNKNOWN"
)

// Description is a short operator-facing explanation.
func (c ErrorCode) Description() string {
	switch c {
	case CameraUnreachable:
		return "camera is not reachable"
	case UpstreamUnreachable:
		return "relay endpoint is not reachable"
	case InvalidOutputCredential:
		return "relay endpoint rejected the stream key"
	case BadExecutable:
		return "streaming tool could not be launched"
	case ExpectedTermination:
		return "stopped"
	default:
		return "streaming process crashed"
	}
}

// Recoverable reports whether a failure is retried automatically.
func (c ErrorCode) Recoverable() bool {
	switch c {
	case CameraUnreachable, UpstreamUnreachable, Unknown:
		return true
	}
	return false
}

// Target is a host:port the prober waits for.
type Target struct {
	Host string
	Port int
}

func (t Target) Address() string {
	return net.JoinHostPort(t.Host, strconv.Itoa(t.Port))
}

func (t Target) String() string {
	return t.Address()
}

// Classification is the result of Classify. Target is only set for the
// unreachable codes.
type Classification struct {
	Code   ErrorCode
	Target *Target
}

// ClassifyContext carries what the classifier needs besides the error.
type ClassifyContext struct {
	SourceURL  string // Camera RTSP URL
	CameraHost string
	CameraPort int
	OutputURL  string // Relay URL without the stream key
	// TerminationRequested is set when the supervisor itself asked the
	// process to stop.
	TerminationRequested bool
}

var credentialMarkers = []string{
	"401", "403", "unauthorized", "forbidden", "permission denied", "access denied",
}

var unreachableMarkers = []string{
	"input/output error", "network is unreachable", "connection refused",
	"connection timed out", "no route to host", "broken pipe", "connection reset",
}

// Classify maps a process failure to an ErrorCode.
func Classify(err error, ctx ClassifyContext) Classification {
	// Only a stop the supervisor asked for is expected. Any other signal death is a crash.
	if ctx.TerminationRequested {
		return Classification{Code: ExpectedTermination}
	}
	if err == nil {
		return Classification{Code: Unknown}
	}

	var spawnErr *process.SpawnError
	if errors.As(err, &spawnErr) {
		return Classification{Code: BadExecutable}
	}

	msg := err.Error()
	lower := strings.ToLower(msg)

	if strings.Contains(lower, "spawn") || strings.Contains(lower, "niceness") {
		return Classification{Code: BadExecutable}
	}

	output, hasOutput := outputTarget(ctx.OutputURL)
	outputClass := func() Classification {
		if containsAny(lower, credentialMarkers...) {
			return Classification{Code: InvalidOutputCredential}
		}
		return Classification{Code: UpstreamUnreachable, Target: &output}
	}
	camera := Classification{Code: CameraUnreachable, Target: &Target{Host: ctx.CameraHost, Port: ctx.CameraPort}}

	// Exact URL references win over host matches
	switch {
	case hasOutput && strings.Contains(msg, ctx.OutputURL):
		return outputClass()
	case ctx.SourceURL != "" && strings.Contains(msg, ctx.SourceURL):
		return camera
	case ctx.CameraHost != "" && referencesCamera(msg, ctx):
		return camera
	case hasOutput && strings.Contains(msg, output.Host) && containsAny(lower, append(unreachableMarkers, credentialMarkers...)...):
		return outputClass()
	case hasOutput && strings.Contains(lower, "input/output error"):
		return Classification{Code: UpstreamUnreachable, Target: &output}
	}

	return Classification{Code: Unknown}
}

func referencesCamera(msg string, ctx ClassifyContext) bool {
	address := net.JoinHostPort(ctx.CameraHost, strconv.Itoa(ctx.CameraPort))
	return strings.Contains(msg, address) || strings.Contains(msg, "rtsp://"+ctx.CameraHost)
}

// outputTarget derives the probe target from the relay URL.
func outputTarget(raw string) (Target, bool) {
	if raw == "" {
		return Target{}, false
	}
	u, err := url.Parse(raw)
	if err != nil || u.Hostname() == "" {
		return Target{}, false
	}

	port, _ := strconv.Atoi(u.Port())
	if port == 0 {
		port = defaultPort(u.Scheme)
	}
	return Target{Host: u.Hostname(), Port: port}, true
}

func defaultPort(scheme string) int {
	switch strings.ToLower(scheme) {
	case "rtmps", "https":
		return 443
	case "rtsp":
		return 554
	case "http":
		return 80
	case "srt":
		return 9000
	default:
		return 1935
	}
}

func containsAny(s string, substrs ...string) bool {
	for _, sub := range substrs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
