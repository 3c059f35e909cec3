// Copyright (c) 2015-2016 The Decred developers
// Copyright (c) 2016 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package walletseed provides the encoding of wallet seeds as recovery
// phrases using the PGP word list, with a one word checksum.
package walletseed

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"strings"
)

// wordIndexes maps a lowercased word from the word list to its index.  Built
// once at init so lookups do not depend on input casing.
var wordIndexes = func() map[string]uint16 {
	m := make(map[string]uint16, len(wordList))
	for i, w := range wordList {
		m[strings.ToLower(w)] = uint16(i)
	}
	return m
}()

// ErrInvalidSeedWord describes an error where a word of a seed mnemonic does
// not appear in the word list.
var ErrInvalidSeedWord = errors.New("invalid seed word")

// ErrSeedChecksum describes an error where the checksum word of a seed
// mnemonic does not match the seed data.
var ErrSeedChecksum = errors.New("seed checksum mismatch")

func checksumByte(data []byte) byte {
	intermediate := sha256.Sum256(data)
	hash := sha256.Sum256(intermediate[:])
	return hash[0]
}

func byteToWord(b byte, odd bool) string {
	i := uint16(b) * 2
	if odd {
		i++
	}
	return wordList[i]
}

// EncodeMnemonicSlice encodes a seed as a slice of mnemonic words, with a
// checksum word appended.
func EncodeMnemonicSlice(seed []byte) []string {
	words := make([]string, 0, len(seed)+1)
	for i, b := range seed {
		words = append(words, byteToWord(b, i%2 != 0))
	}
	words = append(words, byteToWord(checksumByte(seed), len(seed)%2 != 0))
	return words
}

// EncodeMnemonic encodes a seed as a recovery phrase of space-separated
// mnemonic words, with a checksum word appended.
func EncodeMnemonic(seed []byte) string {
	return strings.Join(EncodeMnemonicSlice(seed), " ")
}

// DecodeUserInput decodes a recovery phrase back into the seed it encodes.
// Casing of the input words is not significant.  The trailing checksum word
// is verified against the decoded seed.
func DecodeUserInput(input string) ([]byte, error) {
	words := strings.Fields(strings.ToLower(input))
	if len(words) < 2 {
		return nil, errors.New("phrase is too short to contain a checksum")
	}
	data := make([]byte, 0, len(words))
	for i, w := range words {
		idx, ok := wordIndexes[w]
		if !ok {
			return nil, fmt.Errorf("%w %q", ErrInvalidSeedWord, w)
		}
		// Odd bytes must decode from the three-syllable half of the
		// list, even bytes from the two-syllable half.
		if int(idx%2) != i%2 {
			return nil, fmt.Errorf("word %q out of sequence", w)
		}
		data = append(data, byte(idx/2))
	}
	seed, check := data[:len(data)-1], data[len(data)-1]
	if checksumByte(seed) != check {
		return nil, ErrSeedChecksum
	}
	return seed, nil
}
