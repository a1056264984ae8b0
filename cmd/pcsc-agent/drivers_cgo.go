//go:build cgo || windows

package main

import _ "github.com/SimplyPrint/pcsc-agent/internal/driver/scard"
