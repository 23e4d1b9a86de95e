// Copyright (c) Qualcomm Technologies, Inc. and/or its subsidiaries.
// SPDX-License-Identifier: BSD-3-Clause-Clear

package status

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strings"

	ini "gopkg.in/ini.v1"
)

type HostInfo struct {
	Hostname  string `json:"hostname"`
	OS        string `json:"os,omitempty"`
	OSVersion string `json:"os_version,omitempty"`
	Ip        string `json:"local_ipv4,omitempty"`
	Mac       string `json:"mac,omitempty"`
}

var (
	osRelease = "/etc/os-release"
	netRoute  = "/proc/net/route"
)

func GetHostInfo() HostInfo {
	info := HostInfo{}
	var err error
	if info.Hostname, err = os.Hostname(); err != nil {
		slog.Debug("failed to get hostname", "error", err)
	}
	info.OS, info.OSVersion = osInfo(osRelease)
	if info.Ip, info.Mac, err = ipInfo(); err != nil {
		slog.Debug("failed to get network info", "error", err)
	}
	return info
}

func osInfo(path string) (string, string) {
	if _, err := os.Stat(path); err != nil {
		return "", ""
	}
	cfg, err := ini.Load(path)
	if err != nil {
		slog.Warn("failed to parse os release file", "path", path, "error", err)
		return "", ""
	}
	unquote := func(key string) string {
		return strings.Trim(cfg.Section("").Key(key).String(), "\"'")
	}
	name := unquote("PRETTY_NAME")
	if len(name) == 0 {
		name = unquote("NAME")
	}
	return name, unquote("VERSION_ID")
}

func ipInfo() (string, string, error) {
	routes, err := os.ReadFile(netRoute)
	if err != nil {
		return "", "", err
	}

	for i, line := range strings.Split(string(routes), "\n") {
		if i > 0 {
			parts := strings.Fields(line)
			if len(parts) > 4 && parts[1] == "00000000" {
				intf, err := net.InterfaceByName(parts[0])
				if err != nil {
					return "", "", fmt.Errorf("unable to lookup default interface(%s): %w", parts[0], err)
				}
				addrs, err := intf.Addrs()
				if err != nil {
					return "", "", fmt.Errorf("unable to lookup IP of interface(%s): %w", parts[0], err)
				}
				if len(addrs) == 0 {
					return "", intf.HardwareAddr.String(), nil
				}
				return addrs[0].String(), intf.HardwareAddr.String(), nil
			}
		}
	}

	return "", "", errors.New("could not find default network interface")
}
