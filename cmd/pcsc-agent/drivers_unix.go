//go:build !windows

package main

import _ "github.com/SimplyPrint/pcsc-agent/internal/driver/pcsclite"
