package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
	"time"
)

// Unknown is the sentinel for any signal the parser cannot classify.
const Unknown = "Unknown"

// Device classes derived from the user agent.
const (
	DeviceDesktop = "Desktop"
	DeviceMobile  = "Mobile"
	DeviceTablet  = "Tablet"
)

// RequestMeta carries the request signals the engine fingerprints. The engine
// performs no I/O of its own.
type RequestMeta struct {
	IP        string
	UserAgent string
	Headers   map[string]string
}

// Browser describes the classified browser.
type Browser struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	Engine  string `json:"engine"`
}

// OS describes the classified operating system.
type OS struct {
	Name         string `json:"name"`
	Version      string `json:"version"`
	Architecture string `json:"architecture"`
}

// Device describes the classified device.
type Device struct {
	Type   string `json:"type"`
	Model  string `json:"model"`
	Vendor string `json:"vendor"`
}

// DeviceFingerprint is the structured device identity embedded in a session's
// device_info column.
//
// Fingerprint hashes every collected signal including the IP; it changes when
// the client moves networks. StableFingerprint hashes only the signals that
// survive a network change (browser name+engine, OS name, device type) and is
// the identity used for device-recognition and eviction scoring.
type DeviceFingerprint struct {
	Fingerprint       string            `json:"fingerprint"`
	StableFingerprint string            `json:"stableFingerprint"`
	Browser           Browser           `json:"browser"`
	OS                OS                `json:"os"`
	Device            Device            `json:"device"`
	IP                string            `json:"ip"`
	Headers           map[string]string `json:"headers,omitempty"`
	GeneratedAt       time.Time         `json:"generated_at"`
	Extra             map[string]any    `json:"extra,omitempty"`
}

// Engine derives device fingerprints from request metadata.
type Engine struct {
	now func() time.Time
}

// Option customises the Engine.
type Option func(*Engine)

// WithClock overrides the timestamp source, primarily for tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// NewEngine constructs a fingerprint engine.
func NewEngine(opts ...Option) *Engine {
	e := &Engine{now: time.Now}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// forwarded header subset retained on the fingerprint.
var retainedHeaders = []string{"accept-language", "accept-encoding", "connection"}

// Generate derives a DeviceFingerprint from the request metadata. It never
// fails; unparseable signals resolve to the Unknown sentinel. Extra fields are
// merged verbatim for caller-supplied context.
func (e *Engine) Generate(meta RequestMeta, extra map[string]any) DeviceFingerprint {
	ua := strings.TrimSpace(meta.UserAgent)

	fp := DeviceFingerprint{
		Browser:     parseBrowser(ua),
		OS:          parseOS(ua),
		Device:      parseDevice(ua),
		IP:          strings.TrimSpace(meta.IP),
		Headers:     retainHeaders(meta.Headers),
		GeneratedAt: e.now(),
	}

	if len(extra) > 0 {
		fp.Extra = make(map[string]any, len(extra))
		for k, v := range extra {
			if k != "" {
				fp.Extra[k] = v
			}
		}
	}

	fp.StableFingerprint = hashSignals(
		fp.Browser.Name,
		fp.Browser.Engine,
		fp.OS.Name,
		fp.Device.Type,
	)

	volatile := []string{
		fp.Browser.Name, fp.Browser.Version, fp.Browser.Engine,
		fp.OS.Name, fp.OS.Version, fp.OS.Architecture,
		fp.Device.Type, fp.Device.Model, fp.Device.Vendor,
		fp.IP,
	}
	volatile = append(volatile, flattenHeaders(fp.Headers)...)
	fp.Fingerprint = hashSignals(volatile...)

	return fp
}

func retainHeaders(headers map[string]string) map[string]string {
	if len(headers) == 0 {
		return nil
	}

	lowered := make(map[string]string, len(headers))
	for k, v := range headers {
		lowered[strings.ToLower(strings.TrimSpace(k))] = strings.TrimSpace(v)
	}

	out := make(map[string]string)
	for _, name := range retainedHeaders {
		if v, ok := lowered[name]; ok && v != "" {
			out[name] = v
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func flattenHeaders(headers map[string]string) []string {
	if len(headers) == 0 {
		return nil
	}
	keys := make([]string, 0, len(headers))
	for k := range headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+headers[k])
	}
	return out
}

func hashSignals(signals ...string) string {
	sum := sha256.Sum256([]byte(strings.Join(signals, "|")))
	return hex.EncodeToString(sum[:])
}
