package stubs

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha1"
	"crypto/sha256"
	"math/big"
	"sync"

	"github.com/levkropp/cyd-emulator/xtensa"

	"golang.org/x/crypto/hkdf"
)

const (
	mbedtlsErrGeneric = 0xFFFFFFFF
)

// Crypto binds the mbedTLS-shaped entry points firmware links against for
// SHA/AES/MPI, backed by Go's standard crypto/* packages rather than a
// reimplementation (the ecosystem convention those packages themselves
// follow for audited primitives). Context state that in the original lives
// inside a guest-allocated struct (AES round keys, MPI limbs) is instead
// kept host-side in maps keyed by the guest struct's address, since this
// emulator never needs to inspect that memory itself.
type Crypto struct {
	mu      sync.Mutex
	aesKeys map[uint32][]byte
	mpis    map[uint32]*big.Int
}

// NewCrypto creates the pack.
func NewCrypto() *Crypto {
	return &Crypto{aesKeys: make(map[uint32][]byte), mpis: make(map[uint32]*big.Int)}
}

// Register binds the SHA-1/256, AES-ECB/CBC/CTR, and MPI modexp entry
// points, plus an HKDF-based key-derivation helper used by the canned
// WiFi/TLS handshake (stubs/wifi.go).
func (cr *Crypto) Register(r *Registry) {
	r.Bind("mbedtls_sha256_ret", cr.sha256Oneshot)
	r.Bind("mbedtls_sha256", cr.sha256Oneshot)
	r.Bind("mbedtls_sha1_ret", cr.sha1Oneshot)
	r.Bind("mbedtls_sha1", cr.sha1Oneshot)

	r.Bind("mbedtls_aes_init", func(c *xtensa.Core) {
		ctx := c.ArRead(2)
		cr.mu.Lock()
		delete(cr.aesKeys, ctx)
		cr.mu.Unlock()
	})
	r.Bind("mbedtls_aes_free", func(c *xtensa.Core) {
		ctx := c.ArRead(2)
		cr.mu.Lock()
		delete(cr.aesKeys, ctx)
		cr.mu.Unlock()
	})
	r.Bind("mbedtls_aes_setkey_enc", cr.setKey)
	r.Bind("mbedtls_aes_setkey_dec", cr.setKey)
	r.Bind("mbedtls_aes_crypt_ecb", cr.cryptECB)
	r.Bind("mbedtls_aes_crypt_cbc", cr.cryptCBC)
	r.Bind("mbedtls_aes_crypt_ctr", cr.cryptCTR)

	r.Bind("mbedtls_mpi_init", func(c *xtensa.Core) {
		ctx := c.ArRead(2)
		cr.mu.Lock()
		cr.mpis[ctx] = new(big.Int)
		cr.mu.Unlock()
	})
	r.Bind("mbedtls_mpi_free", func(c *xtensa.Core) {
		ctx := c.ArRead(2)
		cr.mu.Lock()
		delete(cr.mpis, ctx)
		cr.mu.Unlock()
	})
	r.Bind("mbedtls_mpi_read_binary", func(c *xtensa.Core) {
		ctx := c.ArRead(2)
		buf := c.ArRead(3)
		length := c.ArRead(4)
		bytes := make([]byte, length)
		for i := range bytes {
			bytes[i] = c.Bus.Read8(buf + uint32(i))
		}
		cr.mu.Lock()
		cr.mpis[ctx] = new(big.Int).SetBytes(bytes)
		cr.mu.Unlock()
		ReturnUint32(c, espOK)
	})
	r.Bind("mbedtls_mpi_write_binary", func(c *xtensa.Core) {
		ctx := c.ArRead(2)
		buf := c.ArRead(3)
		length := c.ArRead(4)
		cr.mu.Lock()
		v := cr.mpis[ctx]
		cr.mu.Unlock()
		if v == nil {
			ReturnUint32(c, mbedtlsErrGeneric)
			return
		}
		bytes := v.Bytes()
		out := make([]byte, length)
		if uint32(len(bytes)) > length {
			ReturnUint32(c, mbedtlsErrGeneric)
			return
		}
		copy(out[length-uint32(len(bytes)):], bytes) // big-endian, left-padded with zeros
		for i, b := range out {
			c.Bus.Write8(buf+uint32(i), b)
		}
		ReturnUint32(c, espOK)
	})
	r.Bind("mbedtls_mpi_exp_mod", func(c *xtensa.Core) {
		xCtx, aCtx, eCtx, nCtx := c.ArRead(2), c.ArRead(3), c.ArRead(4), c.ArRead(5)
		cr.mu.Lock()
		a, e, n := cr.mpis[aCtx], cr.mpis[eCtx], cr.mpis[nCtx]
		cr.mu.Unlock()
		if a == nil || e == nil || n == nil {
			ReturnUint32(c, mbedtlsErrGeneric)
			return
		}
		result := new(big.Int).Exp(a, e, n)
		cr.mu.Lock()
		cr.mpis[xCtx] = result
		cr.mu.Unlock()
		ReturnUint32(c, espOK)
	})

	r.Bind("esp_crypto_hkdf", cr.hkdfDerive)
}

func (cr *Crypto) sha256Oneshot(c *xtensa.Core) {
	input, ilen, output, is224 := c.ArRead(2), c.ArRead(3), c.ArRead(4), c.ArRead(5)
	buf := make([]byte, ilen)
	for i := range buf {
		buf[i] = c.Bus.Read8(input + uint32(i))
	}
	if is224 != 0 {
		sum := sha256.Sum224(buf)
		for i, b := range sum {
			c.Bus.Write8(output+uint32(i), b)
		}
	} else {
		sum := sha256.Sum256(buf)
		for i, b := range sum {
			c.Bus.Write8(output+uint32(i), b)
		}
	}
	ReturnUint32(c, espOK)
}

func (cr *Crypto) sha1Oneshot(c *xtensa.Core) {
	input, ilen, output := c.ArRead(2), c.ArRead(3), c.ArRead(4)
	buf := make([]byte, ilen)
	for i := range buf {
		buf[i] = c.Bus.Read8(input + uint32(i))
	}
	sum := sha1.Sum(buf)
	for i, b := range sum {
		c.Bus.Write8(output+uint32(i), b)
	}
	ReturnUint32(c, espOK)
}

func (cr *Crypto) setKey(c *xtensa.Core) {
	ctx := c.ArRead(2)
	keyAddr := c.ArRead(3)
	keyBits := c.ArRead(4)
	keyLen := keyBits / 8
	key := make([]byte, keyLen)
	for i := range key {
		key[i] = c.Bus.Read8(keyAddr + uint32(i))
	}
	cr.mu.Lock()
	cr.aesKeys[ctx] = key
	cr.mu.Unlock()
	ReturnUint32(c, espOK)
}

func (cr *Crypto) keyFor(ctx uint32) []byte {
	cr.mu.Lock()
	defer cr.mu.Unlock()
	return cr.aesKeys[ctx]
}

const (
	mbedtlsAesEncrypt = 1
	mbedtlsAesDecrypt = 0
)

func (cr *Crypto) cryptECB(c *xtensa.Core) {
	ctx, mode, input, output := c.ArRead(2), c.ArRead(3), c.ArRead(4), c.ArRead(5)
	key := cr.keyFor(ctx)
	block, err := aes.NewCipher(key)
	if err != nil {
		ReturnUint32(c, mbedtlsErrGeneric)
		return
	}
	in := make([]byte, aes.BlockSize)
	for i := range in {
		in[i] = c.Bus.Read8(input + uint32(i))
	}
	out := make([]byte, aes.BlockSize)
	if mode == mbedtlsAesEncrypt {
		block.Encrypt(out, in)
	} else {
		block.Decrypt(out, in)
	}
	for i, b := range out {
		c.Bus.Write8(output+uint32(i), b)
	}
	ReturnUint32(c, espOK)
}

func (cr *Crypto) cryptCBC(c *xtensa.Core) {
	ctx := c.ArRead(2)
	mode := c.ArRead(3)
	length := c.ArRead(4)
	ivAddr := c.ArRead(5)
	input := c.ArRead(6)
	output := c.ArRead(7)

	key := cr.keyFor(ctx)
	block, err := aes.NewCipher(key)
	if err != nil {
		ReturnUint32(c, mbedtlsErrGeneric)
		return
	}
	iv := make([]byte, aes.BlockSize)
	for i := range iv {
		iv[i] = c.Bus.Read8(ivAddr + uint32(i))
	}
	in := make([]byte, length)
	for i := range in {
		in[i] = c.Bus.Read8(input + uint32(i))
	}
	out := make([]byte, length)
	if mode == mbedtlsAesEncrypt {
		cipher.NewCBCEncrypter(block, iv).CryptBlocks(out, in)
	} else {
		cipher.NewCBCDecrypter(block, iv).CryptBlocks(out, in)
	}
	for i, b := range out {
		c.Bus.Write8(output+uint32(i), b)
	}
	// mbedtls_aes_crypt_cbc updates the caller's iv buffer to the last
	// ciphertext block, so a following call continues the chain.
	if length >= uint32(aes.BlockSize) {
		tail := out[length-uint32(aes.BlockSize):]
		if mode != mbedtlsAesEncrypt {
			tail = in[length-uint32(aes.BlockSize):]
		}
		for i, b := range tail {
			c.Bus.Write8(ivAddr+uint32(i), b)
		}
	}
	ReturnUint32(c, espOK)
}

func (cr *Crypto) cryptCTR(c *xtensa.Core) {
	ctx := c.ArRead(2)
	length := c.ArRead(3)
	nonceAddr := c.ArRead(5)
	input := c.ArRead(7)
	output := c.ArRead(8)

	key := cr.keyFor(ctx)
	block, err := aes.NewCipher(key)
	if err != nil {
		ReturnUint32(c, mbedtlsErrGeneric)
		return
	}
	nonce := make([]byte, aes.BlockSize)
	for i := range nonce {
		nonce[i] = c.Bus.Read8(nonceAddr + uint32(i))
	}
	in := make([]byte, length)
	for i := range in {
		in[i] = c.Bus.Read8(input + uint32(i))
	}
	out := make([]byte, length)
	cipher.NewCTR(block, nonce).XORKeyStream(out, in)
	for i, b := range out {
		c.Bus.Write8(output+uint32(i), b)
	}
	ReturnUint32(c, espOK)
}

// sessionKeyInfo is the HKDF info parameter tying a derived key to the
// connection it's for, so two SSIDs never collide on derived key material
// even with no per-connection salt.
const sessionKeyInfo = "cyd-wifi-session"

// DeriveSessionKey derives a WPA-session-shaped key from ssid via
// HKDF-SHA256, the step esp_wifi_connect (stubs/wifi.go) takes in place of
// a real 4-way handshake: there's no mbedTLS context to route through on
// that path, so this calls the same primitive esp_crypto_hkdf exposes to
// guest code directly on the host side.
func DeriveSessionKey(ssid string) []byte {
	kdf := hkdf.New(sha256.New, []byte(ssid), nil, []byte(sessionKeyInfo))
	out := make([]byte, 32)
	if _, err := kdf.Read(out); err != nil {
		return nil
	}
	return out
}

// hkdfDerive backs the esp_crypto_hkdf entry point firmware can call
// directly for its own key derivation, the guest-facing counterpart to
// DeriveSessionKey above.
func (cr *Crypto) hkdfDerive(c *xtensa.Core) {
	secretAddr, secretLen := c.ArRead(2), c.ArRead(3)
	saltAddr, saltLen := c.ArRead(4), c.ArRead(5)
	infoAddr, infoLen := c.ArRead(6), c.ArRead(7)
	outAddr, outLen := c.ArRead(8), c.ArRead(9)

	secret := make([]byte, secretLen)
	for i := range secret {
		secret[i] = c.Bus.Read8(secretAddr + uint32(i))
	}
	salt := make([]byte, saltLen)
	for i := range salt {
		salt[i] = c.Bus.Read8(saltAddr + uint32(i))
	}
	info := make([]byte, infoLen)
	for i := range info {
		info[i] = c.Bus.Read8(infoAddr + uint32(i))
	}

	kdf := hkdf.New(sha256.New, secret, salt, info)
	out := make([]byte, outLen)
	if _, err := kdf.Read(out); err != nil {
		ReturnUint32(c, mbedtlsErrGeneric)
		return
	}
	for i, b := range out {
		c.Bus.Write8(outAddr+uint32(i), b)
	}
	ReturnUint32(c, espOK)
}
