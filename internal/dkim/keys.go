// Package dkim manages sending-domain DKIM material and the verification
// state machine: RSA-2048 key generation with the private half encrypted at
// rest, a DNS probe loop that promotes domains to VERIFIED after three
// consecutive successful lookups, and optional Route53 publishing of the
// public record.
package dkim

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"
	"fmt"

	"github.com/ignite/mailgate/internal/domain"
	"github.com/ignite/mailgate/internal/secrets"
)

const keyBits = 2048

// txtChunk is the DNS TXT character-string limit; longer records are split
// into quoted chunks the resolver reassembles.
const txtChunk = 255

// Material is freshly generated signing material for one domain.
type Material struct {
	Selector   string
	PublicTXT  string
	Tokens     []string
	PrivateEnc []byte
	KeyVersion int
}

// Generate creates an RSA-2048 key pair, seals the private key with the
// active cipher key, and renders the public half as the TXT record value.
// An empty selector gets a random one.
func Generate(cipher *secrets.Cipher, selector string) (*Material, error) {
	if selector == "" {
		s, err := newSelector()
		if err != nil {
			return nil, err
		}
		selector = s
	}

	priv, err := rsa.GenerateKey(rand.Reader, keyBits)
	if err != nil {
		return nil, fmt.Errorf("generate rsa key: %w", err)
	}

	pubDER, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("marshal public key: %w", err)
	}
	txt := "v=DKIM1; k=rsa; p=" + base64.StdEncoding.EncodeToString(pubDER)

	privDER, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return nil, fmt.Errorf("marshal private key: %w", err)
	}
	pemBytes := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: privDER})

	sealed, keyVer, err := cipher.SealRaw(pemBytes)
	if err != nil {
		return nil, fmt.Errorf("seal private key: %w", err)
	}

	return &Material{
		Selector:   selector,
		PublicTXT:  txt,
		Tokens:     chunkTXT(txt),
		PrivateEnc: sealed,
		KeyVersion: keyVer,
	}, nil
}

// Apply writes the material onto a domain row and resets its verification
// state so the probe loop picks it up.
func (m *Material) Apply(d *domain.SendingDomain) {
	d.DKIMSelector = m.Selector
	d.DKIMTokens = m.Tokens
	d.DKIMPublicKey = m.PublicTXT
	d.DKIMPrivateEnc = m.PrivateEnc
	d.DKIMKeyVer = m.KeyVersion
	d.DKIMStatus = domain.DKIMPending
	d.Status = domain.DomainPending
	d.ConsecutiveOKs = 0
}

// PrivateKey opens and parses a domain's sealed private key.
func PrivateKey(cipher *secrets.Cipher, d *domain.SendingDomain) (*rsa.PrivateKey, error) {
	pemBytes, err := cipher.OpenRaw(d.DKIMPrivateEnc, d.DKIMKeyVer)
	if err != nil {
		return nil, fmt.Errorf("open dkim key for %s: %w", d.Name, err)
	}
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, fmt.Errorf("dkim key for %s: no PEM block", d.Name)
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse dkim key for %s: %w", d.Name, err)
	}
	rsaKey, ok := key.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("dkim key for %s: not an RSA key", d.Name)
	}
	return rsaKey, nil
}

func newSelector() (string, error) {
	b := make([]byte, 4)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("selector entropy: %w", err)
	}
	return "mg" + hex.EncodeToString(b), nil
}

func chunkTXT(txt string) []string {
	var out []string
	for len(txt) > txtChunk {
		out = append(out, txt[:txtChunk])
		txt = txt[txtChunk:]
	}
	return append(out, txt)
}
