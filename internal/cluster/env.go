// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package cluster runs the process as a master supervising worker processes
// and drives the profiler fork hooks on both sides. Workers are started by
// re-executing the binary; the scan session travels in the environment.
package cluster

import (
	"fmt"
	"os"
	"strconv"

	"github.com/yfractal/sdb/pkg/scanner"
)

const (
	// EnvWorker holds the 1-based index of a worker process.
	EnvWorker = "SDB_WORKER"
	// EnvSession holds the encoded scanner.SessionSpec of the master.
	EnvSession = "SDB_SESSION"
)

// WorkerIndex reports whether the process was started as a worker and, if
// so, its index.
func WorkerIndex() (int, bool) {
	v, ok := os.LookupEnv(EnvWorker)
	if !ok {
		return 0, false
	}
	i, err := strconv.Atoi(v)
	if err != nil || i <= 0 {
		return 0, false
	}
	return i, true
}

// SessionFromEnv returns the session spec handed down by the master.
func SessionFromEnv() (scanner.SessionSpec, bool, error) {
	v := os.Getenv(EnvSession)
	if v == "" {
		return scanner.SessionSpec{}, false, nil
	}
	spec, err := scanner.DecodeSessionSpec(v)
	if err != nil {
		return scanner.SessionSpec{}, false, fmt.Errorf("invalid %s: %w", EnvSession, err)
	}
	return spec, true, nil
}

// workerEnv returns base without any inherited cluster variables, plus the
// variables of worker i.
func workerEnv(base []string, i int, session string) []string {
	env := make([]string, 0, len(base)+2)
	for _, kv := range base {
		if hasKey(kv, EnvWorker) || hasKey(kv, EnvSession) {
			continue
		}
		env = append(env, kv)
	}
	env = append(env, EnvWorker+"="+strconv.Itoa(i))
	if session != "" {
		env = append(env, EnvSession+"="+session)
	}
	return env
}

func hasKey(kv, key string) bool {
	return len(kv) > len(key) && kv[:len(key)] == key && kv[len(key)] == '='
}
