// Copyright (c) 2015-2016 The Decred developers
// Copyright (c) 2016 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package walletseed

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	t.Parallel()

	for _, n := range []int{16, 32, 64} {
		seed := make([]byte, n)
		for i := range seed {
			seed[i] = byte(i * 7)
		}

		phrase := EncodeMnemonic(seed)
		require.Len(t, strings.Fields(phrase), n+1)

		decoded, err := DecodeUserInput(phrase)
		require.NoError(t, err)
		require.Equal(t, seed, decoded)

		// Word casing is not significant.
		decoded, err = DecodeUserInput(strings.ToUpper(phrase))
		require.NoError(t, err)
		require.Equal(t, seed, decoded)
	}
}

func TestDecodeUserInputErrors(t *testing.T) {
	t.Parallel()

	seed := []byte{0x01, 0x02, 0x03, 0x04}
	words := EncodeMnemonicSlice(seed)

	t.Run("unknown word", func(t *testing.T) {
		bad := append([]string(nil), words...)
		bad[1] = "notaword"
		_, err := DecodeUserInput(strings.Join(bad, " "))
		require.ErrorIs(t, err, ErrInvalidSeedWord)
	})

	t.Run("checksum mismatch", func(t *testing.T) {
		bad := append([]string(nil), words...)
		// Replace the checksum word with a different word of the same
		// parity.
		check := checksumByte(seed)
		bad[len(bad)-1] = byteToWord(check+1, len(seed)%2 != 0)
		_, err := DecodeUserInput(strings.Join(bad, " "))
		require.ErrorIs(t, err, ErrSeedChecksum)
	})

	t.Run("word out of sequence", func(t *testing.T) {
		// Both words decode, but the second comes from the wrong half
		// of the list.
		_, err := DecodeUserInput(wordList[0] + " " + wordList[2])
		require.Error(t, err)
	})

	t.Run("too short", func(t *testing.T) {
		_, err := DecodeUserInput(wordList[0])
		require.Error(t, err)
	})
}
