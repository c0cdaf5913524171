package gsa

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"math/big"

	"golang.org/x/crypto/pbkdf2"
)

// RFC 5054 2048-bit group.
var (
	srpN, _ = new(big.Int).SetString(
		"AC6BDB41324A9A9BF166DE5E1389582FAF72B6651987EE07FC3192943DB56050A37329CBB4A099ED"+
			"8193E0757767A13DD52312AB4B03310DCD7F48A9DA04FD50E8083969EDB767B0CF6095179A163AB3"+
			"661A05FBD5FAAAE82918A9962F0B93B855F97993EC975EEAA80D740ADBF4FF747359D041D5C33EA7"+
			"1D281E446B14773BCA97B43A23FB801676BD207A436C6481F1D2B9078717461A5B9D32E688F87748"+
			"544523B524B0D57D5EA77A2775D2ECFA032CFBDBF52FB3786160279004E57AE6AF874E7303CE5329"+
			"9CCC041C7BC308D82A5698F3A8D0C38271AE35F8E9DBFBB694B5C803D89F7AE435DE236D525F5475"+
			"9B65E372FCD68EF20FA7111F9E4AFF73", 16)
	srpG = big.NewInt(2)
	srpK = new(big.Int).SetBytes(srpHash(srpN.Bytes(), srpPad(srpG)))
)

const (
	protocolS2K   = "s2k"
	protocolS2KFO = "s2k_fo"
)

func srpHash(parts ...[]byte) []byte {
	h := sha256.New()
	for _, p := range parts {
		h.Write(p)
	}
	return h.Sum(nil)
}

// srpPad left-pads n to the byte length of N.
func srpPad(n *big.Int) []byte {
	out := make([]byte, (srpN.BitLen()+7)/8)
	return n.FillBytes(out)
}

// derivePasswordKey stretches the password the way the backend expects for protocol.
func derivePasswordKey(password string, salt []byte, iterations int, protocol string) ([]byte, error) {
	digest := sha256.Sum256([]byte(password))
	p := digest[:]

	switch protocol {
	case protocolS2K:
	case protocolS2KFO:
		p = []byte(hex.EncodeToString(p))
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedProtocol, protocol)
	}

	if iterations <= 0 {
		return nil, fmt.Errorf("invalid iteration count %d", iterations)
	}
	return pbkdf2.Key(p, salt, iterations, sha256.Size, sha256.New), nil
}

// x = H(s | H(":" | p)). The username is not part of x.
func srpX(salt, passwordKey []byte) *big.Int {
	inner := srpHash([]byte(":"), passwordKey)
	return new(big.Int).SetBytes(srpHash(salt, inner))
}

func srpU(A, B *big.Int) *big.Int {
	return new(big.Int).SetBytes(srpHash(srpPad(A), srpPad(B)))
}

// M1 = H(H(N) xor H(g) | H(I) | s | A | B | K)
func srpM1(username string, salt []byte, A, B *big.Int, K []byte) []byte {
	hN := srpHash(srpN.Bytes())
	hg := srpHash(srpG.Bytes())
	for i := range hN {
		hN[i] ^= hg[i]
	}
	return srpHash(hN, srpHash([]byte(username)), salt, A.Bytes(), B.Bytes(), K)
}

// M2 = H(A | M1 | K)
func srpM2(A *big.Int, M1, K []byte) []byte {
	return srpHash(A.Bytes(), M1, K)
}

func randomExponent(rnd io.Reader) (*big.Int, error) {
	buf := make([]byte, 32)
	if _, err := io.ReadFull(rnd, buf); err != nil {
		return nil, fmt.Errorf("failed to generate SRP secret: %w", err)
	}
	return new(big.Int).SetBytes(buf), nil
}

// srpClient is the client side of one SRP-6a exchange.
type srpClient struct {
	username string
	a, A     *big.Int
	K, M1    []byte
}

func newSRPClient(username string) (*srpClient, error) {
	a, err := randomExponent(rand.Reader)
	if err != nil {
		return nil, err
	}
	return &srpClient{
		username: username,
		a:        a,
		A:        new(big.Int).Exp(srpG, a, srpN),
	}, nil
}

// A returns the client public ephemeral.
func (c *srpClient) Public() []byte {
	return c.A.Bytes()
}

// ProcessChallenge computes the session key and client proof from the server challenge.
func (c *srpClient) ProcessChallenge(salt, serverPublic, passwordKey []byte) ([]byte, error) {
	B := new(big.Int).SetBytes(serverPublic)
	if new(big.Int).Mod(B, srpN).Sign() == 0 {
		return nil, errors.New("invalid server public value")
	}

	u := srpU(c.A, B)
	if u.Sign() == 0 {
		return nil, errors.New("invalid SRP scrambling parameter")
	}

	x := srpX(salt, passwordKey)

	// S = (B - k*g^x) ^ (a + u*x) mod N
	kgx := new(big.Int).Exp(srpG, x, srpN)
	kgx.Mul(kgx, srpK)
	base := new(big.Int).Sub(B, kgx)
	base.Mod(base, srpN)
	exp := new(big.Int).Mul(u, x)
	exp.Add(exp, c.a)
	S := new(big.Int).Exp(base, exp, srpN)

	c.K = srpHash(S.Bytes())
	c.M1 = srpM1(c.username, salt, c.A, B, c.K)
	return c.M1, nil
}

// VerifyServer checks the server proof M2.
func (c *srpClient) VerifyServer(M2 []byte) error {
	if c.K == nil || !hmac.Equal(srpM2(c.A, c.M1, c.K), M2) {
		return ErrServerProofMismatch
	}
	return nil
}

// srpServer is the verifier side of an exchange. It backs MockServer.
type srpServer struct {
	username string
	salt     []byte
	v        *big.Int
	b, B     *big.Int
	K        []byte
}

func newSRPServer(username string, salt, passwordKey []byte) (*srpServer, error) {
	b, err := randomExponent(rand.Reader)
	if err != nil {
		return nil, err
	}
	v := new(big.Int).Exp(srpG, srpX(salt, passwordKey), srpN)

	// B = k*v + g^b mod N
	B := new(big.Int).Mul(srpK, v)
	B.Add(B, new(big.Int).Exp(srpG, b, srpN))
	B.Mod(B, srpN)

	return &srpServer{username: username, salt: salt, v: v, b: b, B: B}, nil
}

func (s *srpServer) Public() []byte {
	return s.B.Bytes()
}

// Verify checks the client proof and returns the server proof.
func (s *srpServer) Verify(clientPublic, M1 []byte) ([]byte, error) {
	A := new(big.Int).SetBytes(clientPublic)
	if new(big.Int).Mod(A, srpN).Sign() == 0 {
		return nil, errors.New("invalid client public value")
	}

	// S = (A * v^u) ^ b mod N
	u := srpU(A, s.B)
	S := new(big.Int).Exp(s.v, u, srpN)
	S.Mul(S, A)
	S.Mod(S, srpN)
	S.Exp(S, s.b, srpN)

	s.K = srpHash(S.Bytes())
	if !hmac.Equal(srpM1(s.username, s.salt, A, s.B, s.K), M1) {
		return nil, errors.New("client proof mismatch")
	}
	return srpM2(A, M1, s.K), nil
}
