// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"fmt"
	"net"

	"github.com/pion/dtls/v2"
)

func dialDTLS(ctx context.Context, cfg Config) (Conn, error) {
	if cfg.DTLS == nil {
		return nil, fmt.Errorf("transport: dtls configuration is required")
	}
	if len(cfg.DTLS.PSK) == 0 && len(cfg.DTLS.Certificates) == 0 {
		return nil, fmt.Errorf("transport: dtls requires a PSK or a client certificate")
	}

	raddr, err := net.ResolveUDPAddr("udp", cfg.Address)
	if err != nil {
		return nil, fmt.Errorf("transport: resolve %s: %w", cfg.Address, err)
	}

	dcfg := &dtls.Config{
		Certificates:       cfg.DTLS.Certificates,
		RootCAs:            cfg.DTLS.RootCAs,
		ServerName:         cfg.DTLS.ServerName,
		InsecureSkipVerify: cfg.DTLS.InsecureSkipVerify,
	}

	if len(cfg.DTLS.PSK) > 0 {
		psk := cfg.DTLS.PSK
		dcfg.PSK = func([]byte) ([]byte, error) { return psk, nil }
		dcfg.PSKIdentityHint = []byte(cfg.DTLS.PSKIdentity)
		// Mandatory suite for CoAP pre-shared key mode.
		dcfg.CipherSuites = []dtls.CipherSuiteID{dtls.TLS_PSK_WITH_AES_128_CCM_8}
	} else {
		dcfg.CipherSuites = []dtls.CipherSuiteID{
			dtls.TLS_ECDHE_ECDSA_WITH_AES_128_CCM_8,
			dtls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
		}
		if dcfg.ServerName == "" && !dcfg.InsecureSkipVerify {
			host, _, err := net.SplitHostPort(cfg.Address)
			if err != nil {
				return nil, fmt.Errorf("transport: split %s: %w", cfg.Address, err)
			}
			dcfg.ServerName = host
		}
	}

	conn, err := dtls.DialWithContext(ctx, "udp", raddr, dcfg)
	if err != nil {
		return nil, fmt.Errorf("transport: dtls handshake with %s: %w", cfg.Address, err)
	}
	return newPacketConn(conn, cfg.MaxMessageSize), nil
}
