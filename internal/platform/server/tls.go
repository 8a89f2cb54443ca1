package server

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"path/filepath"

	"chat-broker/internal/platform/config"

	"google.golang.org/grpc/credentials"
)

// serverTLSConfig 載入伺服器憑證，HTTP 與 gRPC 共用
func serverTLSConfig(certFile, keyFile, caFile string) (*tls.Config, error) {
	if certFile == "" || keyFile == "" {
		return nil, fmt.Errorf("TLS 憑證與私鑰路徑不能為空")
	}

	serverCert, err := tls.LoadX509KeyPair(filepath.Clean(certFile), filepath.Clean(keyFile))
	if err != nil {
		return nil, fmt.Errorf("failed to load server certificate: %w", err)
	}

	certPool := x509.NewCertPool()
	if caFile != "" {
		ca, err := os.ReadFile(filepath.Clean(caFile))
		if err != nil {
			return nil, fmt.Errorf("failed to read CA certificate: %w", err)
		}
		if !certPool.AppendCertsFromPEM(ca) {
			return nil, fmt.Errorf("failed to append CA certificate")
		}
	}

	return &tls.Config{
		Certificates: []tls.Certificate{serverCert},
		ClientAuth:   tls.NoClientCert, // 不要求客戶端憑證
		MinVersion:   tls.VersionTLS12,
		ClientCAs:    certPool,
	}, nil
}

// LoadTLSCredentials 載入 gRPC 伺服器 TLS 憑證；未啟用時回傳 nil
func LoadTLSCredentials(cfg config.TLSConfig) (credentials.TransportCredentials, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	tlsConfig, err := serverTLSConfig(cfg.CertFile, cfg.KeyFile, cfg.CAFile)
	if err != nil {
		return nil, err
	}
	// gRPC 只接受 TLS 1.3
	tlsConfig.MinVersion = tls.VersionTLS13

	return credentials.NewTLS(tlsConfig), nil
}
