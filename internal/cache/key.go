package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"github.com/robinkiplangat/metrrik-llm-gateway/internal/provider"
)

// imageFingerprintBytes bounds how much of each image feeds the key. The
// fingerprint also covers the image length, so same-format images of
// different sizes never collide; two distinct images that share both
// length and leading bytes still can. Use a full-content hash here if
// that ever matters.
const imageFingerprintBytes = 512

// Key derives a deterministic fingerprint of a request's logically
// relevant fields: prompt, resolved model, sampling parameters, system
// instruction and image fingerprints. Metadata and field ordering never
// affect the key.
func Key(req *provider.Request, model string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "prompt=%s\x00", req.Prompt)
	fmt.Fprintf(&b, "model=%s\x00", model)
	fmt.Fprintf(&b, "system=%s\x00", req.System)
	fmt.Fprintf(&b, "temp=%.4f\x00", req.Temperature)
	fmt.Fprintf(&b, "max=%d\x00", req.MaxTokens)
	fmt.Fprintf(&b, "topp=%.4f\x00", req.TopP)
	fmt.Fprintf(&b, "freq=%.4f\x00", req.FrequencyPenalty)
	fmt.Fprintf(&b, "pres=%.4f\x00", req.PresencePenalty)

	stops := append([]string(nil), req.StopSequences...)
	sort.Strings(stops)
	fmt.Fprintf(&b, "stop=%s\x00", strings.Join(stops, "\x01"))

	for _, img := range req.Images {
		fmt.Fprintf(&b, "img=%s\x00", imageFingerprint(img))
	}

	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

func imageFingerprint(img provider.Image) string {
	head := img.Data
	if len(head) > imageFingerprintBytes {
		head = head[:imageFingerprintBytes]
	}
	sum := sha256.Sum256(head)
	return fmt.Sprintf("%s:%d:%s", img.MIMEType, len(img.Data), hex.EncodeToString(sum[:8]))
}
