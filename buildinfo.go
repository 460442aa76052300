package devtools

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

const BuildInfoFile = "build-info.json"

// BuildInfo is the machine-readable record of one build: written once during
// assembly, immutable afterwards, consumed by the verifier and by anyone
// debugging what exactly got deployed.
type BuildInfo struct {
	BuildTimestamp   int64
	BuildDate        string
	PackagerVersion  string
	ToolchainVersion string
	JSFileHash       string
	WasmFileHash     string
	JSFileSize       int64
	WasmFileSize     int64
	CacheBreaker     string
}

func NewBuildInfo(at time.Time, handle *ToolchainHandle) *BuildInfo {
	ts := at.Unix()
	return &BuildInfo{
		BuildTimestamp:   ts,
		BuildDate:        at.UTC().Format(time.RFC3339),
		PackagerVersion:  handle.BindgenVersion,
		ToolchainVersion: handle.RustcVersion,
		CacheBreaker:     fmt.Sprintf("%d", ts),
	}
}

func (bi *BuildInfo) Marshal() ([]byte, error) {
	out := []byte("{}")
	var err error
	for _, kv := range []struct {
		key   string
		value interface{}
	}{
		{"buildTimestamp", bi.BuildTimestamp},
		{"buildDate", bi.BuildDate},
		{"packagerVersion", bi.PackagerVersion},
		{"toolchainVersion", bi.ToolchainVersion},
		{"jsFileHash", bi.JSFileHash},
		{"wasmFileHash", bi.WasmFileHash},
		{"jsFileSize", bi.JSFileSize},
		{"wasmFileSize", bi.WasmFileSize},
		{"cacheBreaker", bi.CacheBreaker},
	} {
		out, err = sjson.SetBytes(out, kv.key, kv.value)
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

func ReadBuildInfo(path string) (*BuildInfo, error) {
	data, err := os.ReadFile(path) // #nosec G304
	if err != nil {
		return nil, err
	}
	if !gjson.ValidBytes(data) {
		return nil, fmt.Errorf("%s is not valid JSON", BuildInfoFile)
	}
	r := gjson.ParseBytes(data)
	return &BuildInfo{
		BuildTimestamp:   r.Get("buildTimestamp").Int(),
		BuildDate:        r.Get("buildDate").String(),
		PackagerVersion:  r.Get("packagerVersion").String(),
		ToolchainVersion: r.Get("toolchainVersion").String(),
		JSFileHash:       r.Get("jsFileHash").String(),
		WasmFileHash:     r.Get("wasmFileHash").String(),
		JSFileSize:       r.Get("jsFileSize").Int(),
		WasmFileSize:     r.Get("wasmFileSize").Int(),
		CacheBreaker:     r.Get("cacheBreaker").String(),
	}, nil
}

// fileDigest returns the sha256 hex digest and byte size of a file.
func fileDigest(path string) (string, int64, error) {
	f, err := os.Open(path) // #nosec G304
	if err != nil {
		return "", 0, err
	}
	defer f.Close()
	h := sha256.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return "", 0, err
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}
