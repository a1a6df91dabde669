package test

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"time"
)

// Certs holds a throwaway CA and a server and client cert signed by it, for mTLS tests.
type Certs struct {
	CA     Cert
	Server Cert
	Client Cert

	caCert *x509.Certificate
	caKey  *ecdsa.PrivateKey
}

type Cert struct {
	CertPEMBytes []byte
	KeyPEMBytes  []byte
}

// CertFiles are the paths of certs written by WriteFiles.
type CertFiles struct {
	CA         string
	ServerCert string
	ServerKey  string
	ClientCert string
	ClientKey  string
}

func randomSerial() (*big.Int, error) {
	serialNumberLimit := new(big.Int).Lsh(big.NewInt(1), 128)
	serialNumber, err := rand.Int(rand.Reader, serialNumberLimit)
	if err != nil {
		return nil, fmt.Errorf("getting random serial number: %w", err)
	}
	return serialNumber, nil
}

func encode(der []byte, key *ecdsa.PrivateKey) (Cert, error) {
	certPEMBytes := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	if certPEMBytes == nil {
		return Cert{}, errors.New("unable to encode certificate to PEM")
	}
	keyBytes, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return Cert{}, fmt.Errorf("marshaling pkcs8: %w", err)
	}
	keyPEMBytes := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyBytes})
	return Cert{CertPEMBytes: certPEMBytes, KeyPEMBytes: keyPEMBytes}, nil
}

func (c *Certs) buildCA() error {
	serialNumber, err := randomSerial()
	if err != nil {
		return err
	}
	caCert := &x509.Certificate{
		SerialNumber:          serialNumber,
		Subject:               pkix.Name{CommonName: "cpp-server test CA"},
		NotBefore:             time.Now().Add(-time.Minute),
		NotAfter:              time.Now().AddDate(0, 0, 1),
		IsCA:                  true,
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		BasicConstraintsValid: true,
	}
	caKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return fmt.Errorf("generating CA private key: %w", err)
	}
	der, err := x509.CreateCertificate(rand.Reader, caCert, caCert, &caKey.PublicKey, caKey)
	if err != nil {
		return fmt.Errorf("creating CA cert: %w", err)
	}
	c.CA, err = encode(der, caKey)
	if err != nil {
		return err
	}
	c.caCert = caCert
	c.caKey = caKey
	return nil
}

func (c *Certs) buildCert(cn string, usage x509.ExtKeyUsage) (Cert, error) {
	serialNumber, err := randomSerial()
	if err != nil {
		return Cert{}, err
	}
	tmpl := x509.Certificate{
		SerialNumber: serialNumber,
		Subject:      pkix.Name{CommonName: cn},
		DNSNames:     []string{"localhost"},
		IPAddresses:  []net.IP{net.IPv4(127, 0, 0, 1)},
		NotBefore:    time.Now().Add(-time.Minute),
		NotAfter:     time.Now().AddDate(0, 0, 1),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{usage},
	}
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return Cert{}, fmt.Errorf("generating private key: %w", err)
	}
	der, err := x509.CreateCertificate(rand.Reader, &tmpl, c.caCert, &key.PublicKey, c.caKey)
	if err != nil {
		return Cert{}, fmt.Errorf("creating cert: %w", err)
	}
	return encode(der, key)
}

// GenerateCerts generates a CA plus a server cert valid for localhost and a client cert.
func GenerateCerts() (*Certs, error) {
	c := &Certs{}
	err := c.buildCA()
	if err != nil {
		return nil, fmt.Errorf("building CA cert: %w", err)
	}
	c.Server, err = c.buildCert("cpp-server", x509.ExtKeyUsageServerAuth)
	if err != nil {
		return nil, fmt.Errorf("building server cert: %w", err)
	}
	c.Client, err = c.buildCert("cpp-server-client", x509.ExtKeyUsageClientAuth)
	if err != nil {
		return nil, fmt.Errorf("building client cert: %w", err)
	}
	return c, nil
}

// WriteFiles writes the certs and keys as PEM files into dir.
func (c *Certs) WriteFiles(dir string) (CertFiles, error) {
	files := CertFiles{
		CA:         filepath.Join(dir, "ca.pem"),
		ServerCert: filepath.Join(dir, "server.pem"),
		ServerKey:  filepath.Join(dir, "server-key.pem"),
		ClientCert: filepath.Join(dir, "client.pem"),
		ClientKey:  filepath.Join(dir, "client-key.pem"),
	}
	contents := map[string][]byte{
		files.CA:         c.CA.CertPEMBytes,
		files.ServerCert: c.Server.CertPEMBytes,
		files.ServerKey:  c.Server.KeyPEMBytes,
		files.ClientCert: c.Client.CertPEMBytes,
		files.ClientKey:  c.Client.KeyPEMBytes,
	}
	for path, b := range contents {
		err := os.WriteFile(path, b, 0600)
		if err != nil {
			return CertFiles{}, fmt.Errorf("writing %s: %w", path, err)
		}
	}
	return files, nil
}
