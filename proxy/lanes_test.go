// lanes_test.go - lane queue length tracker tests
// Copyright (C) 2024  David Stainton.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

package proxy

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLaneQueueLengths(t *testing.T) {
	require := require.New(t)

	lanes := NewLaneQueueLengths()
	require.Equal(0, lanes.Get(1))

	lanes.Set(1, 7)
	lanes.Set(2, 3)
	require.Equal(7, lanes.Get(1))
	require.Equal(3, lanes.Get(2))

	lanes.Set(1, 0)
	require.Equal(0, lanes.Get(1))

	lanes.Forget(2)
	require.Equal(0, lanes.Get(2))
}
