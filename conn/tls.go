package conn

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"os"
)

// Listen opens a TCP listener, optionally wrapped in TLS using a server
// cert+key (spec §6: "server supplies cert+key").
func Listen(network, addr string, tlsCfg *TLSConfig) (net.Listener, error) {
	if tlsCfg == nil || (tlsCfg.CertFile == "" && tlsCfg.KeyFile == "") {
		return net.Listen(network, addr)
	}
	cert, err := tls.LoadX509KeyPair(tlsCfg.CertFile, tlsCfg.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("conn: load server cert/key: %w", err)
	}
	return tls.Listen(network, addr, &tls.Config{Certificates: []tls.Certificate{cert}})
}

func loadCAPool(caFile string) (*x509.CertPool, error) {
	if caFile == "" {
		return nil, nil
	}
	pem, err := os.ReadFile(caFile)
	if err != nil {
		return nil, fmt.Errorf("conn: read CA file: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("conn: no certificates parsed from %s", caFile)
	}
	return pool, nil
}
