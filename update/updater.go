package update

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"sync"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/getlantern/tlsupgrade"
)

const (
	keyLastChecked     = "last-checked"
	keyExtensionStamp  = "extension-timestamp"
	keyChannelRemoteTS = "uc-timestamp"
	keyChannelStoredTS = "uc-stored-timestamp"
	keyChannelRulesets = "rulesets"
	keyChannelBloom    = "bloom"

	keyBloomBitmapBits = "bloom_bitmap_bits"
	keyBloomKNum       = "bloom_k_num"
	keyBloomSipKey00   = "bloom_sip_keys_0_0"
	keyBloomSipKey01   = "bloom_sip_keys_0_1"
	keyBloomSipKey10   = "bloom_sip_keys_1_0"
	keyBloomSipKey11   = "bloom_sip_keys_1_1"
)

func channelKey(prefix, channel string) string {
	return prefix + ": " + channel
}

// Updater runs the per-channel update check and keeps a RuleSets index (and
// any Bloom-format channel indexes) current with whatever a channel last
// published, verified against that channel's RSA public key before
// anything is persisted or rebuilt.
type Updater struct {
	rulesets *tlsupgrade.RuleSets
	storage  tlsupgrade.Storage
	fetcher  Fetcher

	channels            []*UpdateChannel
	defaultRulesets     []byte
	enableMixedRulesets bool
	activeStates        map[string]bool
	checkInterval       time.Duration

	mx     sync.Mutex
	blooms map[string]*Bloom
}

// NewUpdater returns an Updater that rebuilds rulesets into the given
// shared index, persists update state into storage, and fetches bundles
// via fetcher. defaultRulesets is the bundled fallback JSON used whenever
// no configured channel has ReplacesDefaultRulesets set.
func NewUpdater(rulesets *tlsupgrade.RuleSets, storage tlsupgrade.Storage, channels []*UpdateChannel, fetcher Fetcher, checkInterval time.Duration, defaultRulesets []byte) *Updater {
	return &Updater{
		rulesets:        rulesets,
		storage:         storage,
		fetcher:         fetcher,
		channels:        channels,
		defaultRulesets: defaultRulesets,
		activeStates:    make(map[string]bool),
		checkInterval:   checkInterval,
		blooms:          make(map[string]*Bloom),
	}
}

// SetEnableMixedRulesets controls whether platform="mixedcontent" rulesets
// are active by default when ingested.
func (u *Updater) SetEnableMixedRulesets(enabled bool) {
	u.enableMixedRulesets = enabled
}

// SetActiveState overrides a named ruleset's computed active state on
// every future ingestion.
func (u *Updater) SetActiveState(name string, active bool) {
	u.activeStates[name] = active
}

// TimeToNextCheck reports how long until the next check is due, based on
// the time of the last PerformCheck call persisted in storage, whatever
// its per-channel outcomes. A never-checked
// Updater is always due immediately.
func (u *Updater) TimeToNextCheck() time.Duration {
	last, ok := u.storage.GetInt(keyLastChecked)
	if !ok {
		return 0
	}
	next := time.Unix(int64(last), 0).Add(u.checkInterval)
	d := time.Until(next)
	if d < 0 {
		return 0
	}
	return d
}

// ClearReplacementUpdateChannels drops every configured channel with
// ReplacesDefaultRulesets set, reverting future rebuilds to the bundled
// default rulesets. Existing persisted state for those channels is left in
// place but will no longer be consulted.
func (u *Updater) ClearReplacementUpdateChannels() {
	kept := u.channels[:0]
	for _, ch := range u.channels {
		if !ch.ReplacesDefaultRulesets {
			kept = append(kept, ch)
		}
	}
	u.channels = kept
}

// PerformCheck runs one update pass across every configured channel,
// persisting only the channels that actually had newer content available,
// and rebuilds the in-memory indexes from storage if at least one did.
// Per-channel failures are logged and otherwise
// ignored; they never abort the remaining channels nor touch previously
// persisted state.
func (u *Updater) PerformCheck(ctx context.Context) error {
	anyUpdated := false

	for _, ch := range u.channels {
		updated, err := u.checkChannel(ctx, ch)
		if err != nil {
			log.Errorf("update: channel %v check failed: %v", ch.Name, err)
			continue
		}
		if updated {
			anyUpdated = true
		}
	}

	u.storage.SetInt(keyLastChecked, uint64(nowUnix()))

	if anyUpdated {
		if err := u.rebuild(); err != nil {
			return fmt.Errorf("update: rebuild failed: %w", err)
		}
	}
	return nil
}

func (u *Updater) checkChannel(ctx context.Context, ch *UpdateChannel) (bool, error) {
	if ch.Format == FormatBloom {
		return u.checkBloomChannel(ctx, ch)
	}
	return u.checkRulesetChannel(ctx, ch)
}

func (u *Updater) checkRulesetChannel(ctx context.Context, ch *UpdateChannel) (bool, error) {
	remoteTS, err := u.fetchTimestamp(ctx, ch.UpdatePathPrefix+"/latest-rulesets-timestamp")
	if err != nil {
		return false, err
	}

	stored, _ := u.storage.GetInt(channelKey(keyChannelStoredTS, ch.Name))
	if remoteTS <= int64(stored) {
		return false, nil
	}

	if ch.ReplacesDefaultRulesets {
		if extTS, ok := u.storage.GetInt(keyExtensionStamp); ok && int64(extTS) > remoteTS {
			return false, nil
		}
	}

	payloadURL := fmt.Sprintf("%v/default.rulesets.%v.gz", ch.UpdatePathPrefix, remoteTS)
	sigURL := fmt.Sprintf("%v/rulesets-signature.%v.sha256", ch.UpdatePathPrefix, remoteTS)

	payload, err := u.fetcher.Fetch(ctx, payloadURL)
	if err != nil {
		return false, fmt.Errorf("fetching payload: %w", err)
	}
	sig, err := u.fetcher.Fetch(ctx, sigURL)
	if err != nil {
		return false, fmt.Errorf("fetching signature: %w", err)
	}

	if err := VerifyPSS(ch.Key, payload, sig); err != nil {
		return false, err
	}

	decoded, err := gunzip(payload)
	if err != nil {
		return false, fmt.Errorf("decompressing payload: %w", err)
	}

	var bundle struct {
		Timestamp int64 `json:"timestamp"`
	}
	if err := json.Unmarshal(decoded, &bundle); err != nil {
		return false, fmt.Errorf("decoding payload timestamp: %w", err)
	}
	if bundle.Timestamp != remoteTS {
		return false, fmt.Errorf("payload timestamp %v does not match advertised %v", bundle.Timestamp, remoteTS)
	}

	u.storage.SetString(channelKey(keyChannelRulesets, ch.Name), string(decoded))
	u.storage.SetInt(channelKey(keyChannelStoredTS, ch.Name), uint64(remoteTS))
	u.storage.SetInt(channelKey(keyChannelRemoteTS, ch.Name), uint64(remoteTS))
	return true, nil
}

func (u *Updater) checkBloomChannel(ctx context.Context, ch *UpdateChannel) (bool, error) {
	remoteTS, err := u.fetchTimestamp(ctx, ch.UpdatePathPrefix+"/latest-bloom-timestamp")
	if err != nil {
		return false, err
	}

	stored, _ := u.storage.GetInt(channelKey(keyChannelStoredTS, ch.Name))
	if remoteTS <= int64(stored) {
		return false, nil
	}

	metaURL := fmt.Sprintf("%v/bloom-metadata.%v.json", ch.UpdatePathPrefix, remoteTS)
	binURL := fmt.Sprintf("%v/bloom.%v.bin", ch.UpdatePathPrefix, remoteTS)
	sigURL := fmt.Sprintf("%v/bloom-signature.%v.sha256", ch.UpdatePathPrefix, remoteTS)

	meta, err := u.fetcher.Fetch(ctx, metaURL)
	if err != nil {
		return false, fmt.Errorf("fetching bloom metadata: %w", err)
	}
	bin, err := u.fetcher.Fetch(ctx, binURL)
	if err != nil {
		return false, fmt.Errorf("fetching bloom bitmap: %w", err)
	}
	sig, err := u.fetcher.Fetch(ctx, sigURL)
	if err != nil {
		return false, fmt.Errorf("fetching bloom signature: %w", err)
	}

	if err := VerifyPSS(ch.Key, meta, sig); err != nil {
		return false, err
	}

	params, err := ParseBloomParams(meta)
	if err != nil {
		return false, err
	}
	if params.Timestamp != remoteTS {
		return false, fmt.Errorf("bloom metadata timestamp %v does not match advertised %v", params.Timestamp, remoteTS)
	}

	sum := sha256.Sum256(bin)
	if hex.EncodeToString(sum[:]) != params.SHA256Sum {
		return false, fmt.Errorf("bloom bitmap checksum mismatch for channel %v", ch.Name)
	}

	u.storage.SetBytes(channelKey(keyChannelBloom, ch.Name), bin)
	u.storage.SetInt(channelKey(keyBloomBitmapBits, ch.Name), params.BitmapBits)
	u.storage.SetInt(channelKey(keyBloomKNum, ch.Name), uint64(params.KNum))
	u.storage.SetInt(channelKey(keyBloomSipKey00, ch.Name), params.SipKeys[0][0])
	u.storage.SetInt(channelKey(keyBloomSipKey01, ch.Name), params.SipKeys[0][1])
	u.storage.SetInt(channelKey(keyBloomSipKey10, ch.Name), params.SipKeys[1][0])
	u.storage.SetInt(channelKey(keyBloomSipKey11, ch.Name), params.SipKeys[1][1])
	u.storage.SetInt(channelKey(keyChannelStoredTS, ch.Name), uint64(remoteTS))
	u.storage.SetInt(channelKey(keyChannelRemoteTS, ch.Name), uint64(remoteTS))
	return true, nil
}

func (u *Updater) fetchTimestamp(ctx context.Context, url string) (int64, error) {
	raw, err := u.fetcher.Fetch(ctx, url)
	if err != nil {
		return 0, err
	}
	ts, err := strconv.ParseInt(string(bytes.TrimSpace(raw)), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parsing timestamp from %v: %w", url, err)
	}
	return ts, nil
}

// rebuild clears and re-populates the shared RuleSets index from whatever
// is currently persisted for every rulesets-format channel, falling back
// to the bundled defaults when no channel claims to replace them. It does
// the same for every bloom-format channel's in-memory Bloom.
func (u *Updater) rebuild() error {
	u.rulesets.Clear()

	replaced := false
	for _, ch := range u.channels {
		if ch.Format != FormatRulesets {
			continue
		}
		raw, ok := u.storage.GetString(channelKey(keyChannelRulesets, ch.Name))
		if !ok {
			continue
		}
		if err := u.rulesets.AddAllFromJSON([]byte(raw), u.enableMixedRulesets, u.activeStates, ch.Scope); err != nil {
			return fmt.Errorf("re-ingesting channel %v: %w", ch.Name, err)
		}
		if ch.ReplacesDefaultRulesets {
			replaced = true
		}
	}

	if !replaced && len(u.defaultRulesets) > 0 {
		if err := u.rulesets.AddAllFromJSON(u.defaultRulesets, u.enableMixedRulesets, u.activeStates, nil); err != nil {
			return fmt.Errorf("re-ingesting default rulesets: %w", err)
		}
	}

	u.mx.Lock()
	defer u.mx.Unlock()
	u.blooms = make(map[string]*Bloom)
	for _, ch := range u.channels {
		if ch.Format != FormatBloom {
			continue
		}
		bin, ok := u.storage.GetBytes(channelKey(keyChannelBloom, ch.Name))
		if !ok {
			continue
		}
		params, ok := u.loadBloomParams(ch.Name)
		if !ok {
			continue
		}
		bloom, err := NewBloom(params, bin)
		if err != nil {
			return fmt.Errorf("re-building bloom for channel %v: %w", ch.Name, err)
		}
		u.blooms[ch.Name] = bloom
	}

	return nil
}

// loadBloomParams reconstructs a BloomParams from the typed per-channel
// Storage entries a prior checkBloomChannel persisted. Timestamp and
// SHA256Sum aren't part of that schema (they're only needed transiently,
// during verification) so the returned value leaves them zero.
func (u *Updater) loadBloomParams(channel string) (BloomParams, bool) {
	bitmapBits, ok := u.storage.GetInt(channelKey(keyBloomBitmapBits, channel))
	if !ok {
		return BloomParams{}, false
	}
	kNum, ok := u.storage.GetInt(channelKey(keyBloomKNum, channel))
	if !ok {
		return BloomParams{}, false
	}
	k00, ok := u.storage.GetInt(channelKey(keyBloomSipKey00, channel))
	if !ok {
		return BloomParams{}, false
	}
	k01, ok := u.storage.GetInt(channelKey(keyBloomSipKey01, channel))
	if !ok {
		return BloomParams{}, false
	}
	k10, ok := u.storage.GetInt(channelKey(keyBloomSipKey10, channel))
	if !ok {
		return BloomParams{}, false
	}
	k11, ok := u.storage.GetInt(channelKey(keyBloomSipKey11, channel))
	if !ok {
		return BloomParams{}, false
	}

	return BloomParams{
		BitmapBits: bitmapBits,
		KNum:       uint32(kNum),
		SipKeys:    [2][2]uint64{{k00, k01}, {k10, k11}},
	}, true
}

// Bloom returns the currently rebuilt Bloom filter for a named bloom
// channel, or nil if that channel hasn't produced one yet.
func (u *Updater) Bloom(channel string) *Bloom {
	u.mx.Lock()
	defer u.mx.Unlock()
	return u.blooms[channel]
}

func gunzip(compressed []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

// nowUnix is split out so tests could substitute a fixed clock if needed;
// production always uses the real wall clock.
var nowUnix = func() int64 { return time.Now().Unix() }
