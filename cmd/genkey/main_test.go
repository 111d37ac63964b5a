// SPDX-FileCopyrightText: Copyright (C) 2025 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

package main

import (
	"bytes"
	"testing"

	"github.com/BurntSushi/toml"
	"github.com/stretchr/testify/require"

	"github.com/katzenpost/katzentunnel/internal/common"
)

func TestGenKey(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	var out bytes.Buffer
	cmd := newRootCommand()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{})
	require.NoError(cmd.Execute())

	// The output pastes straight into a [Tunnel] block.
	var tCfg common.Tunnel
	_, err := toml.Decode(out.String(), &tCfg)
	require.NoError(err)
	require.Len(tCfg.PresharedKey, 43)
	require.NoError(tCfg.FixupAndValidate())

	cmd = newRootCommand()
	cmd.SetArgs([]string{"extra"})
	cmd.SetErr(&bytes.Buffer{})
	require.Error(cmd.Execute())
}
