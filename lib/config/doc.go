// Copyright 2026 The Palaver Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads the calling client's configuration from a
// single YAML file located by the --config flag or the PALAVER_CONFIG
// environment variable. There are no fallbacks or search paths, so a
// process's configuration is always auditable from one file.
package config
