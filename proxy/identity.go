// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package proxy

import (
	"strings"

	"github.com/absmach/mqproxy/topics"
)

// Certificate name match scores.
const (
	certNoMatch = 0
	certPartial = 1
	certExact   = 3
)

// matchCert scores the certificate names against the client identity and
// returns the best score with the name that produced it. Names are the
// subject common name followed by the subject alternative names.
func matchCert(names []string, id *topics.Identity) (int, string) {
	best, bestName := certNoMatch, ""
	for _, n := range names {
		score := scoreCertName(n, id)
		if score > best {
			best, bestName = score, n
			if best == certExact {
				break
			}
		}
	}
	return best, bestName
}

// scoreCertName matches one name of the form class:type:id for devices and
// gateways or a:id for applications. An empty id matches every client of
// the type or class.
func scoreCertName(name string, id *topics.Identity) int {
	if len(name) < 2 || name[1] != ':' {
		return certNoMatch
	}
	class, rest := name[0], name[2:]
	switch id.Class {
	case topics.ClassDevice, topics.ClassGateway:
		if class != id.Class {
			return certNoMatch
		}
		typ, devID, ok := strings.Cut(rest, ":")
		if !ok || typ != id.Type {
			return certNoMatch
		}
		return scoreID(devID, id.ID)
	case topics.ClassApp, topics.ClassScaleOutApp:
		if class != topics.ClassApp && class != topics.ClassScaleOutApp {
			return certNoMatch
		}
		return scoreID(rest, id.ID)
	default:
		return certNoMatch
	}
}

func scoreID(certID, clientID string) int {
	switch certID {
	case "":
		return certPartial
	case clientID:
		return certExact
	default:
		return certNoMatch
	}
}

// clientIDFromCert builds a client identifier for a client that sent none:
// the first complete device or gateway name of the certificate qualified
// with the organization named by the first label of the TLS server name.
func clientIDFromCert(names []string, serverName string) (string, bool) {
	org, _, _ := strings.Cut(serverName, ".")
	if org == "" {
		return "", false
	}
	for _, n := range names {
		if len(n) < 2 || n[1] != ':' {
			continue
		}
		if n[0] != topics.ClassDevice && n[0] != topics.ClassGateway {
			continue
		}
		typ, devID, ok := strings.Cut(n[2:], ":")
		if !ok || typ == "" || devID == "" || strings.Contains(devID, ":") {
			continue
		}
		return n[:2] + org + ":" + typ + ":" + devID, true
	}
	return "", false
}
