// Package sm defines the Security Module boundary: the component that
// holds raw keys and performs the AES-128 primitives the MAC needs, so
// that key material never has to live inside mac.Device itself. It
// also ships a software Default implementation for hosts with no
// hardware key-store.
package sm

// KeyID names one of the eight keys a LoRaWAN 1.0.x/1.1 device
// carries. Root keys (App, Nwk) are provisioned out of band; the rest
// are session keys UpdateSessionKey derives at join time.
type KeyID int

// Supported key slots.
const (
	FNwkSInt KeyID = iota
	AppS
	SNwkSInt
	NwkSEnc
	JSEnc
	JSInt
	App
	Nwk
	numKeys
)

func (k KeyID) String() string {
	switch k {
	case FNwkSInt:
		return "FNwkSIntKey"
	case AppS:
		return "AppSKey"
	case SNwkSInt:
		return "SNwkSIntKey"
	case NwkSEnc:
		return "NwkSEncKey"
	case JSEnc:
		return "JSEncKey"
	case JSInt:
		return "JSIntKey"
	case App:
		return "AppKey"
	case Nwk:
		return "NwkKey"
	default:
		return "KeyID(?)"
	}
}

// Module is the Security Module capability the MAC's ops layer binds
// to the frame codec. Key material never crosses this
// interface; only derived-key handles (KeyID) and ciphertext do.
type Module interface {
	// BeginUpdate/EndUpdate bracket a batch of UpdateSessionKey calls,
	// so an implementation backed by a hardware key-store can commit
	// several derivations as one transaction instead of one bus
	// round-trip each.
	BeginUpdate()
	EndUpdate()

	// UpdateSessionKey derives dst from root by single-block AES-ECB of
	// iv: dst = AES-Encrypt(root, iv).
	UpdateSessionKey(dst, root KeyID, iv [16]byte) error

	// MIC returns the big-endian uint32 formed from the first 4 bytes
	// of CMAC(key, hdr||data). Callers needing only part of the digest
	// (LoRaWAN 1.1's split B0/B1 MIC) extract the bytes they need from
	// the returned word themselves.
	MIC(key KeyID, hdr, data []byte) (uint32, error)

	// ECB performs a single AES-128 block "encrypt" operation on block
	// in place, using key. LoRaWAN deliberately uses only the AES
	// encrypt direction on the device (the network server uses the
	// decrypt direction to produce a join-accept so devices never need
	// to implement AES-decrypt); the same primitive therefore serves
	// both key derivation and join-accept/CFList decryption.
	ECB(key KeyID, block *[16]byte) error

	// CTR XORs data with an AES-CTR keystream in place, generated from
	// key and the block-A template iv the caller has already filled in
	// (devAddr, FCnt, direction bits); iv[15] is
	// overwritten per 16 byte block starting at 1, matching LoRaWAN's
	// FRMPayload/FOpts encryption block construction. Self-inverse:
	// CTR(k, iv, CTR(k, iv, b)) == b.
	CTR(key KeyID, iv [16]byte, data []byte) error
}
