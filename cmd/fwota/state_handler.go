// Copyright (c) Qualcomm Technologies, Inc. and/or its subsidiaries.
// SPDX-License-Identifier: BSD-3-Clause-Clear

package main

import (
	"fmt"

	"github.com/foundriesio/fwota/pkg/api"
	"github.com/foundriesio/fwota/pkg/state"
	"github.com/rs/zerolog/log"
)

var stateNum = map[api.StateName]int{
	"AwaitingHeader": 1,
	"Writing":        2,
	"Finalizing":     3,
	"Activating":     4,
	"Done":           5,
}

func logStateHandler(s api.StateName, u state.UpdateInfo) {
	log.Debug().Str("session", u.SessionID).Int64("bytes", u.BytesWritten).Msgf("[%d/5] %s", stateNum[s], s)
}

func preStateHandler(s api.StateName, u state.UpdateInfo) {
	fmt.Printf("[%d/5] %s ... ", stateNum[s], s)
}

func postStateHandler(s api.StateName, u state.UpdateInfo) {
	switch s {
	case "AwaitingHeader":
		fmt.Printf("version %s, %s -> %s\n", u.NewDesc.Version(), u.Running, u.Target)
	case "Writing":
		fmt.Printf("%d bytes\n", u.BytesWritten)
	default:
		fmt.Printf("done\n")
	}
}
