// Copyright 2016 PingCAP, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// See the License for the specific language governing permissions and
// limitations under the License.

package host

import (
	"fmt"

	"github.com/pingcap-incubator/tinymesh/config"
	"github.com/pingcap-incubator/tinymesh/protocol"
	"github.com/pingcap/log"
	"go.uber.org/zap"
)

// Version information.
var (
	ReleaseVersion = "None"
	BuildTS        = "None"
	GitHash        = "None"
	GitBranch      = "None"
)

// LogHostInfo prints the host version information.
func LogHostInfo() {
	log.Info("Welcome to tinymesh service host")
	log.Info("tinymesh", zap.String("release-version", ReleaseVersion))
	log.Info("tinymesh", zap.String("protocol-version", protocol.Version.String()))
	log.Info("tinymesh", zap.String("git-hash", GitHash))
	log.Info("tinymesh", zap.String("git-branch", GitBranch))
	log.Info("tinymesh", zap.String("utc-build-time", BuildTS))
}

// PrintHostInfo prints the host version information without log info.
func PrintHostInfo() {
	fmt.Println("Release Version: ", ReleaseVersion)
	fmt.Println("Protocol Version:", protocol.Version)
	fmt.Println("Git Commit Hash: ", GitHash)
	fmt.Println("Git Branch:      ", GitBranch)
	fmt.Println("UTC Build Time:  ", BuildTS)
}

// PrintConfigCheckMsg prints the message about configuration checks.
func PrintConfigCheckMsg(cfg *config.Config) {
	if len(cfg.WarningMsgs) == 0 {
		fmt.Println("config check successful")
		return
	}

	for _, msg := range cfg.WarningMsgs {
		fmt.Println(msg)
	}
}
