package itemsmgo

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"io/ioutil"
	"net"
	"net/url"

	mgo "gopkg.in/mgo.v2"
)

// `TLSFiles` configures TLS.  `CA` is a PEM bundle.  `Cert` is a combined PEM
// with certificate and private key, as `cat cert.pem privkey.pem`.
type TLSFiles struct {
	CA   string
	Cert string
}

// `Dial()` connects to MongoDB.  It supports UNIX domain socket URIs, like
// `mongodb://%2Frun%2Fmongodb.sock/nogb2`.  It uses TLS if `tlsFiles` is
// non-nil.
func Dial(uri string, tlsFiles *TLSFiles) (*mgo.Session, error) {
	mgi, err := mgo.ParseURL(uri)
	if err != nil {
		return nil, fmt.Errorf("failed to parse: %s", err)
	}

	switch {
	case tlsFiles != nil:
		tlsCfg, err := loadTLSConfig(tlsFiles)
		if err != nil {
			return nil, err
		}
		mgi.DialServer = func(addr *mgo.ServerAddr) (net.Conn, error) {
			return tls.Dial("tcp", addr.String(), tlsCfg)
		}

	// See MongoDB, Connection String URI Format, UNIX domain socket.
	case len(mgi.Addrs) == 1 && mgi.Addrs[0][0] == '%':
		path, err := url.PathUnescape(mgi.Addrs[0])
		if err != nil {
			return nil, fmt.Errorf(
				"failed to parse Unix socket path: %v", err,
			)
		}
		mgi.Addrs = []string{"localhost"}
		mgi.DialServer = func(*mgo.ServerAddr) (net.Conn, error) {
			return net.Dial("unix", path)
		}
	}

	return mgo.DialWithInfo(mgi)
}

func loadTLSConfig(files *TLSFiles) (*tls.Config, error) {
	cfg := &tls.Config{}
	if files.CA != "" {
		pem, err := ioutil.ReadFile(files.CA)
		if err != nil {
			return nil, fmt.Errorf("failed to load CA: %s", err)
		}
		ca := x509.NewCertPool()
		if !ca.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf(
				"failed to parse certs from `%s`", files.CA,
			)
		}
		cfg.RootCAs = ca
	}
	if files.Cert != "" {
		pem, err := ioutil.ReadFile(files.Cert)
		if err != nil {
			return nil, fmt.Errorf(
				"failed to load certificate: %s", err,
			)
		}
		// `X509KeyPair()` skips the unexpected PEM blocks.
		cert, err := tls.X509KeyPair(pem, pem)
		if err != nil {
			return nil, fmt.Errorf(
				"failed to parse certificate: %s", err,
			)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}
	return cfg, nil
}
