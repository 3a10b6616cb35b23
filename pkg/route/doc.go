// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package route loads the YAML route table mapping SNI hostnames to backends
// and certificates.
//
//	cert_dir: certs
//	default:
//	  backend: 10.0.0.9:8080
//	  cert: default.crt
//	  key: default.key
//	routes:
//	  - name: host-a.example
//	    backend: 10.0.0.1:8080
//	    cert: host-a.crt
//	    key: host-a.key
//	  - name: "*.apps.example"
//	    backend: 10.0.0.2:8080
//
// A Table is both the backend resolver and the TLS configuration provider of
// a tunnel, and Watch keeps it in sync with the file.
package route
