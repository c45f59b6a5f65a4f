/*
Maitred - programmable mail transfer agent.
Copyright © 2024-2026 The Maitred Authors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

package dane

import (
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"testing"
	"time"

	"github.com/miekg/dns"
)

// These certificates are related like this:
//
//	Root A -> Intermediate A -> Leaf A
//	Root B -> Leaf B
//
// Leaf certificates carry SAN maitred.test.
var (
	rootA = `-----BEGIN CERTIFICATE-----
MIIBLzCB4qADAgECAhRDzo1ib03U0VVGZeC8S6Q+c3eISjAFBgMrZXAwFjEUMBIG
A1UEAwwLVGVzdCBSb290IEEwHhcNMjYwODI1MjIwODI0WhcNMzYwODIyMjIwODI0
WjAWMRQwEgYDVQQDDAtUZXN0IFJvb3QgQTAqMAUGAytlcAMhAJTKYzs6xjSktKpP
lhkY824kMbWmMl7gw88dXHmYHCfNo0IwQDAPBgNVHRMBAf8EBTADAQH/MA4GA1Ud
DwEB/wQEAwICBDAdBgNVHQ4EFgQUiue3uVFjG1COPG21n9FIUbTRjKYwBQYDK2Vw
A0EATbAnm/NqWMoFoDezShkH7M4F4XQIi8LiqI3lIrMeHNJFA3KMmHdwQocSVUm7
sl5I2AaUGRgsHFXIyCADcypGCg==
-----END CERTIFICATE-----`
	intermediateA = `-----BEGIN CERTIFICATE-----
MIIBWTCCAQugAwIBAgIUYd8sC4i1tkiIN0n3ekDbuVloMbwwBQYDK2VwMBYxFDAS
BgNVBAMMC1Rlc3QgUm9vdCBBMB4XDTI2MDgyNTIyMDgyNFoXDTM2MDgyMjIyMDgy
NFowHjEcMBoGA1UEAwwTVGVzdCBJbnRlcm1lZGlhdGUgQTAqMAUGAytlcAMhAB53
ip10FBz1h6Y0Vb6jNfFXqoq31Ijxmlqs2zMzObSIo2MwYTAPBgNVHRMBAf8EBTAD
AQH/MA4GA1UdDwEB/wQEAwICBDAdBgNVHQ4EFgQUuq5Y2aK0xJumnC1nMsWfCzTF
2zUwHwYDVR0jBBgwFoAUiue3uVFjG1COPG21n9FIUbTRjKYwBQYDK2VwA0EASoKT
XjJFJc0O5rlBtVjObmq1hbtQ0muK891jOFYJBE97hd8WATKM1TP4JzP+DnmiOqFn
oK6Zt5FeFRjRtmYQAQ==
-----END CERTIFICATE-----`
	leafA = `-----BEGIN CERTIFICATE-----
MIIBkDCCAUKgAwIBAgIUVyX/9IoR4l+cirx4ofbhShJwkhswBQYDK2VwMB4xHDAa
BgNVBAMME1Rlc3QgSW50ZXJtZWRpYXRlIEEwHhcNMjYwODI1MjIwODI0WhcNMzYw
ODIyMjIwODI0WjAWMRQwEgYDVQQDDAtUZXN0IExlYWYgQTAqMAUGAytlcAMhAHV9
52O+sVuwDwIGTXxjlE0y5ZOlzEaDQ3hVPhhIQ621o4GZMIGWMAwGA1UdEwEB/wQC
MAAwHQYDVR0lBBYwFAYIKwYBBQUHAwIGCCsGAQUFBwMBMBcGA1UdEQQQMA6CDG1h
aXRyZWQudGVzdDAOBgNVHQ8BAf8EBAMCB4AwHQYDVR0OBBYEFHegJ5euabQYPVG5
2jVsmKigMtWkMB8GA1UdIwQYMBaAFLquWNmitMSbppwtZzLFnws0xds1MAUGAytl
cANBAKxywuGWFaRMJKI+lnbidbJYkRROvcHCFnSbn6sZQTvZhbVneR8eF9zu1Uhg
6RzXJjVLanzkNx7YvdHQiEio6gU=
-----END CERTIFICATE-----`
	rootB = `-----BEGIN CERTIFICATE-----
MIIBLzCB4qADAgECAhQKMg4gesJ3cpljSfnqxJiMlwKxcTAFBgMrZXAwFjEUMBIG
A1UEAwwLVGVzdCBSb290IEIwHhcNMjYwODI1MjIwODI0WhcNMzYwODIyMjIwODI0
WjAWMRQwEgYDVQQDDAtUZXN0IFJvb3QgQjAqMAUGAytlcAMhAA2Eo7dYnz3IVjHv
nT5xcr2XT5Fcz0Jshr2Vk6DCbbI5o0IwQDAPBgNVHRMBAf8EBTADAQH/MA4GA1Ud
DwEB/wQEAwICBDAdBgNVHQ4EFgQUYhiFovCrnLBQg5ows40AsDExcXswBQYDK2Vw
A0EASnxTnYN7jTpAdwK+RqDy/LYFLFzdARlshEt8xczCSaJYpPMbxyswmyfZeKcD
ADujw55rdLsfdzHvqscxU3ofDg==
-----END CERTIFICATE-----`
	leafB = `-----BEGIN CERTIFICATE-----
MIIBiDCCATqgAwIBAgIUdhD5FL7fQdRAm3R9hhG9DO63gu8wBQYDK2VwMBYxFDAS
BgNVBAMMC1Rlc3QgUm9vdCBCMB4XDTI2MDgyNTIyMDgyNFoXDTM2MDgyMjIyMDgy
NFowFjEUMBIGA1UEAwwLVGVzdCBMZWFmIEIwKjAFBgMrZXADIQBm9W2VtvpeaQi7
LHSMn7kqqn5yeDXhFsBrDSTPyKjxSKOBmTCBljAMBgNVHRMBAf8EAjAAMB0GA1Ud
JQQWMBQGCCsGAQUFBwMCBggrBgEFBQcDATAXBgNVHREEEDAOggxtYWl0cmVkLnRl
c3QwDgYDVR0PAQH/BAQDAgeAMB0GA1UdDgQWBBTpmdWI17vgP/ov1zsx0ULF9vZG
ZDAfBgNVHSMEGDAWgBRiGIWi8KucsFCDmjCzjQCwMTFxezAFBgMrZXADQQC0blmJ
AyvuqD77OzhGrA3Jp/5QXefiuvWnQK123j2fnock4VoeDTlfeJ7VxT+4hkDpHNPj
inKCjNzZRBY3g7sD
-----END CERTIFICATE-----`
)

func parsePEMCert(blob string) *x509.Certificate {
	block, _ := pem.Decode([]byte(blob))
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		panic(err)
	}
	return cert
}

func singleTLSARecord(usage, selector, matchType uint8, cert string) dns.TLSA {
	return dns.TLSA{
		Hdr: dns.RR_Header{
			Name:   "maitred.test.",
			Class:  dns.ClassINET,
			Rrtype: dns.TypeTLSA,
			Ttl:    9999,
		},
		Usage:        usage,
		Selector:     selector,
		MatchingType: matchType,
		Certificate:  cert,
	}
}

func keySHA256(blob string) string {
	cert := parsePEMCert(blob)
	hash := sha256.Sum256(cert.RawSubjectPublicKeyInfo)
	return hex.EncodeToString(hash[:])
}

func certSHA256(blob string) string {
	cert := parsePEMCert(blob)
	hash := sha256.Sum256(cert.Raw)
	return hex.EncodeToString(hash[:])
}

func TestVerify(t *testing.T) {
	verifyTime = time.Unix(1790000000, 0) // within the validity of all test certs
	test := func(name string, recs []dns.TLSA, connState tls.ConnectionState, expectOverride, expectErr bool) {
		t.Helper()
		t.Run(name, func(t *testing.T) {
			t.Helper()
			override, err := Verify(recs, "maitred.test", connState)
			if (err != nil) != expectErr {
				t.Error("err:", err, "expectErr:", expectErr)
			}
			if override != expectOverride {
				t.Error("overridePKIX:", override, "expected:", expectOverride)
			}
		})
	}

	// RFC 7672, Section 2.2:
	// An "insecure" TLSA RRset or DNSSEC-authenticated denial of existence
	// of the TLSA records:
	//    A connection to the MTA SHOULD be made using (pre-DANE)
	// opportunistic TLS.
	//
	// An "insecure" RRset results in Verify not being called at all, but for
	// the latter (authenticated denial of existence) it is still called and
	// should be tested for.
	test("no TLSA, TLS", []dns.TLSA{}, tls.ConnectionState{
		HandshakeComplete: true,
	}, false, false)
	test("no TLSA, no TLS", []dns.TLSA{}, tls.ConnectionState{
		HandshakeComplete: false,
	}, false, false)

	// RFC 7672, Section 2.2:
	// A "secure" non-empty TLSA RRset where all the records are unusable:
	//  Any connection to the MTA MUST be made via TLS, but authentication
	//  is not required.
	test("unusable TLSA, TLS", []dns.TLSA{
		singleTLSARecord(4, 1, 2, "whatever"),
		singleTLSARecord(4, 1, 5, "whatever"),
		singleTLSARecord(4, 1, 1, "whatever"),
	}, tls.ConnectionState{
		HandshakeComplete: true,
		PeerCertificates:  []*x509.Certificate{parsePEMCert(leafA)},
	}, false, false)
	test("unusable TLSA, no TLS", []dns.TLSA{
		singleTLSARecord(4, 1, 2, "whatever"),
	}, tls.ConnectionState{
		HandshakeComplete: false,
	}, false, true)

	// RFC 7672, Section 2.2:
	// A "secure" TLSA RRset with at least one usable record:  Any
	//  connection to the MTA MUST employ TLS encryption and MUST
	//  authenticate the SMTP server using the techniques discussed in the
	//  rest of this document.
	test("DANE-EE, SPKI", []dns.TLSA{
		singleTLSARecord(3, 1, 1, keySHA256(leafA)),
	}, tls.ConnectionState{
		HandshakeComplete: true,
		PeerCertificates:  []*x509.Certificate{parsePEMCert(leafA)},
	}, true, false)
	test("DANE-EE, full cert", []dns.TLSA{
		singleTLSARecord(3, 0, 1, certSHA256(leafA)),
	}, tls.ConnectionState{
		HandshakeComplete: true,
		PeerCertificates:  []*x509.Certificate{parsePEMCert(leafA)},
	}, true, false)
	test("DANE-EE, multiple records", []dns.TLSA{
		singleTLSARecord(3, 1, 1, keySHA256(leafB)),
		singleTLSARecord(3, 1, 1, keySHA256(leafA)),
	}, tls.ConnectionState{
		HandshakeComplete: true,
		PeerCertificates:  []*x509.Certificate{parsePEMCert(leafA)},
	}, true, false)
	test("DANE-EE, self-signed", []dns.TLSA{
		singleTLSARecord(3, 1, 1, keySHA256(rootA)),
	}, tls.ConnectionState{
		HandshakeComplete: true,
		PeerCertificates:  []*x509.Certificate{parsePEMCert(rootA)},
	}, true, false)
	test("DANE-EE, mismatch", []dns.TLSA{
		singleTLSARecord(3, 1, 1, keySHA256(leafB)),
	}, tls.ConnectionState{
		HandshakeComplete: true,
		PeerCertificates:  []*x509.Certificate{parsePEMCert(leafA)},
	}, false, true)
	test("DANE-TA, intermediate TA", []dns.TLSA{
		singleTLSARecord(2, 1, 1, keySHA256(intermediateA)),
	}, tls.ConnectionState{
		HandshakeComplete: true,
		PeerCertificates: []*x509.Certificate{
			parsePEMCert(leafA),
			parsePEMCert(intermediateA),
			parsePEMCert(rootA),
		},
	}, true, false)
	test("DANE-TA, intermediate TA, mismatch", []dns.TLSA{
		singleTLSARecord(2, 1, 1, keySHA256(intermediateA)),
	}, tls.ConnectionState{
		HandshakeComplete: true,
		PeerCertificates: []*x509.Certificate{
			parsePEMCert(leafB),
			parsePEMCert(rootB),
		},
	}, false, true)
	test("DANE-TA, intermediate TA, multiple records", []dns.TLSA{
		singleTLSARecord(2, 1, 1, keySHA256(rootB)),
		singleTLSARecord(2, 1, 1, keySHA256(intermediateA)),
		// Add multiple times to make sure that multiple records matching the
		// same cert do not break anything.
		singleTLSARecord(2, 1, 1, keySHA256(intermediateA)),
	}, tls.ConnectionState{
		HandshakeComplete: true,
		PeerCertificates: []*x509.Certificate{
			parsePEMCert(leafA),
			parsePEMCert(intermediateA),
			parsePEMCert(rootA),
		},
	}, true, false)

	// PKIX-EE and PKIX-TA require the PKIX verification to have succeeded
	// (VerifiedChains is populated) and never override it.
	test("PKIX-EE, verified conn", []dns.TLSA{
		singleTLSARecord(1, 1, 1, keySHA256(leafB)),
	}, tls.ConnectionState{
		HandshakeComplete: true,
		PeerCertificates:  []*x509.Certificate{parsePEMCert(leafB)},
		VerifiedChains: [][]*x509.Certificate{{
			parsePEMCert(leafB),
			parsePEMCert(rootB),
		}},
	}, false, false)
	test("PKIX-EE, unverified conn", []dns.TLSA{
		singleTLSARecord(1, 1, 1, keySHA256(leafB)),
	}, tls.ConnectionState{
		HandshakeComplete: true,
		PeerCertificates:  []*x509.Certificate{parsePEMCert(leafB)},
	}, false, true)
	test("PKIX-TA, verified conn", []dns.TLSA{
		singleTLSARecord(0, 1, 1, keySHA256(rootB)),
	}, tls.ConnectionState{
		HandshakeComplete: true,
		PeerCertificates:  []*x509.Certificate{parsePEMCert(leafB)},
		VerifiedChains: [][]*x509.Certificate{{
			parsePEMCert(leafB),
			parsePEMCert(rootB),
		}},
	}, false, false)
	test("PKIX-TA, CA not in chain", []dns.TLSA{
		singleTLSARecord(0, 1, 1, keySHA256(rootA)),
	}, tls.ConnectionState{
		HandshakeComplete: true,
		PeerCertificates:  []*x509.Certificate{parsePEMCert(leafB)},
		VerifiedChains: [][]*x509.Certificate{{
			parsePEMCert(leafB),
			parsePEMCert(rootB),
		}},
	}, false, true)
}
