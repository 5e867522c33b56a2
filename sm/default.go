package sm

import (
	"crypto/aes"
	"encoding/binary"
	"fmt"

	"github.com/jacobsa/crypto/cmac"
)

// Default is a software Security Module: every key lives as a plain
// [16]byte in process memory. It exists for tests, simulation
// (cmd/ldlsim) and for hosts with no hardware key-store.
type Default struct {
	keys [numKeys][16]byte
}

// NewDefault returns a Default SM seeded with the two root keys a
// device is provisioned with out of band.
func NewDefault(appKey, nwkKey [16]byte) *Default {
	d := &Default{}
	d.keys[App] = appKey
	d.keys[Nwk] = nwkKey
	return d
}

// Key returns the raw bytes of id, for callers (such as a Join Server
// simulator in cmd/ldlsim) that legitimately need to look inside the
// software SM. A hardware-backed Module would have no such escape
// hatch.
func (d *Default) Key(id KeyID) [16]byte { return d.keys[id] }

// SetKey installs a root or derived key directly, bypassing
// UpdateSessionKey; used to provision App/Nwk before the first join.
func (d *Default) SetKey(id KeyID, key [16]byte) { d.keys[id] = key }

func (d *Default) BeginUpdate() {}
func (d *Default) EndUpdate()   {}

func (d *Default) UpdateSessionKey(dst, root KeyID, iv [16]byte) error {
	block, err := aes.NewCipher(d.keys[root][:])
	if err != nil {
		return err
	}
	if block.BlockSize() != 16 {
		return fmt.Errorf("sm: block size of 16 expected, got %d", block.BlockSize())
	}
	var out [16]byte
	block.Encrypt(out[:], iv[:])
	d.keys[dst] = out
	return nil
}

func (d *Default) MIC(key KeyID, hdr, data []byte) (uint32, error) {
	hash, err := cmac.New(d.keys[key][:])
	if err != nil {
		return 0, err
	}
	if len(hdr) > 0 {
		if _, err := hash.Write(hdr); err != nil {
			return 0, err
		}
	}
	if _, err := hash.Write(data); err != nil {
		return 0, err
	}
	sum := hash.Sum(nil)
	if len(sum) < 4 {
		return 0, fmt.Errorf("sm: CMAC returned only %d bytes", len(sum))
	}
	return binary.BigEndian.Uint32(sum[:4]), nil
}

func (d *Default) ECB(key KeyID, block *[16]byte) error {
	cipher, err := aes.NewCipher(d.keys[key][:])
	if err != nil {
		return err
	}
	var out [16]byte
	cipher.Encrypt(out[:], block[:])
	*block = out
	return nil
}

func (d *Default) CTR(key KeyID, iv [16]byte, data []byte) error {
	cipher, err := aes.NewCipher(d.keys[key][:])
	if err != nil {
		return err
	}
	var s [16]byte
	for i := 0; i*16 < len(data); i++ {
		block := iv
		block[15] = byte(i + 1)
		cipher.Encrypt(s[:], block[:])
		end := (i + 1) * 16
		if end > len(data) {
			end = len(data)
		}
		for j := i * 16; j < end; j++ {
			data[j] ^= s[j-i*16]
		}
	}
	return nil
}
