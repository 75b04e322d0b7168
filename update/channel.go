// Package update implements the signed-bundle update pipeline: per-channel
// timestamp probes, RSA-PSS verified fetches, and atomic rebuilds of the
// ruleset index (or a Bloom-filter presence index for bloom-format
// channels).
package update

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"

	"github.com/getlantern/golog"
)

var log = golog.LoggerFor("tlsupgrade.update")

// Format identifies the wire shape a channel's bundles are published in.
type Format string

const (
	// FormatRulesets means the channel publishes gzip-compressed JSON
	// ruleset bundles.
	FormatRulesets Format = "rulesets"
	// FormatBloom means the channel publishes a Bloom-filter presence
	// index instead of full rulesets.
	FormatBloom Format = "bloom"
)

// UpdateChannel describes one source of ruleset (or Bloom) updates: where
// to fetch them from, what key signs them, and how they interact with the
// default bundled rulesets.
type UpdateChannel struct {
	Name                    string
	UpdatePathPrefix        string
	Scope                   *string
	ReplacesDefaultRulesets bool
	Format                  Format

	Key *rsa.PublicKey
}

// wireUpdateChannel is the JSON shape a channel is configured in.
type wireUpdateChannel struct {
	Name                    string `json:"name"`
	UpdatePathPrefix        string `json:"update_path_prefix"`
	Scope                   string `json:"scope"`
	ReplacesDefaultRulesets bool   `json:"replaces_default_rulesets"`
	Format                  string `json:"format"`
	PEM                     string `json:"pem"`
}

// ParseUpdateChannels decodes a JSON array of channel descriptors. A
// malformed descriptor (missing name, prefix, or an unparsable key) is a
// fatal configuration error and is returned rather than silently skipped,
// since an update channel that can never verify signatures must not be
// allowed to run.
func ParseUpdateChannels(data []byte) ([]*UpdateChannel, error) {
	var wires []wireUpdateChannel
	if err := json.Unmarshal(data, &wires); err != nil {
		return nil, fmt.Errorf("update: decoding update channels: %w", err)
	}

	channels := make([]*UpdateChannel, 0, len(wires))
	for _, w := range wires {
		ch, err := parseUpdateChannel(w)
		if err != nil {
			return nil, err
		}
		channels = append(channels, ch)
	}
	return channels, nil
}

func parseUpdateChannel(w wireUpdateChannel) (*UpdateChannel, error) {
	if w.Name == "" {
		return nil, errors.New("update: channel missing name")
	}
	if w.UpdatePathPrefix == "" {
		return nil, fmt.Errorf("update: channel %q missing update_path_prefix", w.Name)
	}
	if w.PEM == "" {
		return nil, fmt.Errorf("update: channel %q missing pem public key", w.Name)
	}

	key, err := parsePublicKey(w.PEM)
	if err != nil {
		return nil, fmt.Errorf("update: channel %q: %w", w.Name, err)
	}

	format := FormatRulesets
	if w.Format == string(FormatBloom) {
		format = FormatBloom
	} else if w.Format != "" && w.Format != string(FormatRulesets) {
		return nil, fmt.Errorf("update: channel %q has unknown format %q", w.Name, w.Format)
	}

	var scope *string
	if w.Scope != "" {
		s := w.Scope
		scope = &s
	}

	return &UpdateChannel{
		Name:                    w.Name,
		UpdatePathPrefix:        w.UpdatePathPrefix,
		Scope:                   scope,
		ReplacesDefaultRulesets: w.ReplacesDefaultRulesets,
		Format:                  format,
		Key:                     key,
	}, nil
}

func parsePublicKey(pemEncoded string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(pemEncoded))
	if block == nil {
		return nil, errors.New("no PEM block found in pem")
	}

	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parsing public key: %w", err)
	}

	rsaKey, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, errors.New("pem does not contain an RSA public key")
	}
	return rsaKey, nil
}
