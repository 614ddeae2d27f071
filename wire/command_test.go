// Copyright 2025 PolyCrypt GmbH
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package wire_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"perun.network/perun-head-client/wire"
)

func TestEncodeCommand(t *testing.T) {
	cases := []struct {
		cmd  wire.Command
		want string
	}{
		{wire.Init{}, `{"tag":"Init"}`},
		{wire.Abort{}, `{"tag":"Abort"}`},
		{wire.GetUTxO{}, `{"tag":"GetUTxO"}`},
		{wire.Close{}, `{"tag":"Close"}`},
		{wire.Contest{}, `{"tag":"Contest"}`},
		{wire.Fanout{}, `{"tag":"Fanout"}`},
		{
			wire.NewTx{Transaction: wire.TextEnvelope{
				Type:        "Tx ConwayEra",
				Description: "",
				CBORHex:     "84a300d90102",
			}},
			`{"tag":"NewTx","transaction":{"type":"Tx ConwayEra","description":"","cborHex":"84a300d90102"}}`,
		},
		{
			wire.Decommit{DecommitTx: wire.TextEnvelope{
				Type:    "Tx ConwayEra",
				CBORHex: "84a300d90102",
			}},
			`{"tag":"Decommit","decommitTx":{"type":"Tx ConwayEra","description":"","cborHex":"84a300d90102"}}`,
		},
	}
	for _, c := range cases {
		raw, err := wire.EncodeCommand(c.cmd)
		require.NoError(t, err)
		require.JSONEq(t, c.want, string(raw))
		require.Equal(t, c.cmd.Tag(), wire.CommandTag(raw))
	}
}

func TestCommandTag(t *testing.T) {
	require.Equal(t, "", wire.CommandTag([]byte(`not json`)))
	require.Equal(t, "", wire.CommandTag([]byte(`{"no":"tag"}`)))
	require.Equal(t, wire.TagInit, wire.CommandTag([]byte(`{"tag":"Init"}`)))
}
