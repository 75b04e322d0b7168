package update

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/dchest/siphash"
)

// BloomParams describes the shape of a Bloom-format channel's presence
// index: how many bits it has, how many hash rounds (k) to run per lookup,
// and the two 128-bit SipHash keys used to derive the k independent hash
// values from two SipHash-2-4 computations, one per key (the double-hashing
// technique from Kirsch & Mitzenmacher, avoiding k separate hash
// invocations).
type BloomParams struct {
	Timestamp  int64
	SHA256Sum  string
	BitmapBits uint64
	KNum       uint32
	SipKeys    [2][2]uint64
}

// wireBloomParams is the on-the-wire shape: sip_keys are published as
// decimal-string-encoded u64s (JSON numbers lose precision above 2^53),
// not JSON numbers.
type wireBloomParams struct {
	Timestamp  int64        `json:"timestamp"`
	SHA256Sum  string       `json:"sha256sum"`
	BitmapBits uint64       `json:"bitmap_bits"`
	KNum       uint32       `json:"k_num"`
	SipKeys    [2][2]string `json:"sip_keys"`
}

// UnmarshalJSON decodes the wire shape's string-encoded sip_keys into
// BloomParams.SipKeys.
func (p *BloomParams) UnmarshalJSON(data []byte) error {
	var w wireBloomParams
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}

	var keys [2][2]uint64
	for i := range w.SipKeys {
		for j := range w.SipKeys[i] {
			v, err := strconv.ParseUint(w.SipKeys[i][j], 10, 64)
			if err != nil {
				return fmt.Errorf("update: sip_keys[%d][%d] %q is not a decimal u64: %w", i, j, w.SipKeys[i][j], err)
			}
			keys[i][j] = v
		}
	}

	p.Timestamp = w.Timestamp
	p.SHA256Sum = w.SHA256Sum
	p.BitmapBits = w.BitmapBits
	p.KNum = w.KNum
	p.SipKeys = keys
	return nil
}

// MarshalJSON encodes BloomParams back into the wire shape, sip_keys as
// decimal strings.
func (p BloomParams) MarshalJSON() ([]byte, error) {
	var w wireBloomParams
	w.Timestamp = p.Timestamp
	w.SHA256Sum = p.SHA256Sum
	w.BitmapBits = p.BitmapBits
	w.KNum = p.KNum
	for i := range p.SipKeys {
		for j := range p.SipKeys[i] {
			w.SipKeys[i][j] = strconv.FormatUint(p.SipKeys[i][j], 10)
		}
	}
	return json.Marshal(w)
}

// Bloom is a read-only Bloom filter over arbitrary byte strings (FQDNs, in
// practice), backed by a bit vector sized to BitmapBits.
type Bloom struct {
	params BloomParams
	bits   []byte
}

// NewBloom wraps a raw bitmap under params. The bitmap must be at least
// ceil(params.BitmapBits / 8) bytes.
func NewBloom(params BloomParams, bitmap []byte) (*Bloom, error) {
	need := (params.BitmapBits + 7) / 8
	if uint64(len(bitmap)) < need {
		return nil, fmt.Errorf("update: bloom bitmap too short: have %d bytes, need %d", len(bitmap), need)
	}
	if params.KNum == 0 {
		return nil, errors.New("update: bloom k_num must be positive")
	}
	if params.BitmapBits == 0 {
		return nil, errors.New("update: bloom bitmap_bits must be positive")
	}
	return &Bloom{params: params, bits: bitmap}, nil
}

// ParseBloomParams decodes a channel's bloom-metadata.<ts>.json document.
func ParseBloomParams(data []byte) (BloomParams, error) {
	var p BloomParams
	if err := json.Unmarshal(data, &p); err != nil {
		return BloomParams{}, fmt.Errorf("update: decoding bloom params: %w", err)
	}
	return p, nil
}

// Test reports whether member may be present in the set. Like every Bloom
// filter, false positives are possible; false negatives are not.
func (b *Bloom) Test(member []byte) bool {
	h1 := siphash.Hash(b.params.SipKeys[0][0], b.params.SipKeys[0][1], member)
	h2 := siphash.Hash(b.params.SipKeys[1][0], b.params.SipKeys[1][1], member)

	for i := uint32(0); i < b.params.KNum; i++ {
		idx := (h1 + uint64(i)*h2) % b.params.BitmapBits
		byteIdx := idx / 8
		bitIdx := idx % 8
		if b.bits[byteIdx]&(1<<bitIdx) == 0 {
			return false
		}
	}
	return true
}
