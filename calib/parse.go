// Copyright 2024 The dax Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package calib

import (
	"encoding/binary"
	"math/bits"

	"github.com/coderdj/dax/digitizer"
)

// binShift/binWidth convert a raw 16-bit ADC sample into a rebinned
// histogram bin and back: bin = sample>>binShift, so bin 0 covers
// samples [0, binWidth).
const (
	binShift = 16 - 14 + rebinFactor
	binWidth = 1 << binShift
)

// measureBaselines walks every event in buf and histograms each
// channel's sample pairs into histBins bins, per the fit protocol's
// peak-window convergence check. It returns false (asking the caller to
// retry the step) if any channel has no samples, has too many zero
// samples, or has a histogram that does not concentrate ≥
// fractionAroundMax of its mass within binsAroundMax of the peak. The returned baselines are in raw
// ADC sample units, not histogram-bin units.
func measureBaselines(buf []byte, nch int, format digitizer.Format) ([]float64, bool) {
	hists := make([][]int, nch)
	nonZero := make([]int, nch)
	total := make([]int, nch)
	for i := range hists {
		hists[i] = make([]int, histBins)
	}

	words := toWords(buf)
	i := 0
	for i < len(words) {
		w0 := words[i]
		if w0>>28 != 0xA {
			i++
			continue
		}
		wordsInEvent := int(w0 & 0x0FFFFFFF)
		if wordsInEvent < 4 || i+wordsInEvent > len(words) {
			break
		}
		if wordsInEvent == 4 {
			i += wordsInEvent
			continue
		}

		w1 := words[i+1]
		w2 := words[i+2]
		mask := w1 & 0xFF
		if format.ChannelMaskMSBIdx == 2 {
			mask |= ((w2 >> 24) & 0xFF) << 8
		}
		if w1&0x04000000 != 0 {
			i += wordsInEvent
			continue
		}

		nSet := bits.OnesCount32(mask)
		if nSet == 0 {
			i += wordsInEvent
			continue
		}

		off := i + 4
		chanWords := (wordsInEvent - 4) / nSet
		ch := 0
		for bit := 0; bit < 32 && ch < nSet; bit++ {
			if mask&(1<<uint(bit)) == 0 {
				continue
			}
			if bit < nch {
				payload := words[off : off+chanWords]
				for _, w := range payload {
					lo := uint16(w & 0xFFFF)
					hi := uint16(w >> 16)
					total[bit] += 2
					if lo != 0 {
						hists[bit][int(lo)>>binShift%histBins]++
						nonZero[bit]++
					}
					if hi != 0 {
						hists[bit][int(hi)>>binShift%histBins]++
						nonZero[bit]++
					}
				}
			}
			off += chanWords
			ch++
		}
		i += wordsInEvent
	}

	baselines := make([]float64, nch)
	ok := true
	for ch := 0; ch < nch; ch++ {
		if total[ch] == 0 {
			ok = false
			continue
		}
		if float64(nonZero[ch])/float64(total[ch]) < 0.75 {
			ok = false
			continue
		}
		peak := argmax(hists[ch])
		sum, windowSum := 0, 0
		for bin, count := range hists[ch] {
			sum += count
			if bin >= peak-binsAroundMax && bin <= peak+binsAroundMax {
				windowSum += count
			}
		}
		if sum == 0 || float64(windowSum)/float64(sum) < fractionAroundMax {
			ok = false
			continue
		}

		weighted := 0.0
		for bin := peak - binsAroundMax; bin <= peak+binsAroundMax; bin++ {
			if bin < 0 || bin >= len(hists[ch]) {
				continue
			}
			weighted += float64(bin) * float64(hists[ch][bin])
		}
		// weighted/windowSum is a bin index; recover the raw ADC sample
		// value by scaling by the bin width and recentering on the bin.
		baselines[ch] = (weighted/float64(windowSum))*float64(binWidth) + float64(binWidth)/2
	}

	return baselines, ok
}

func argmax(h []int) int {
	best, bestIdx := -1, 0
	for i, v := range h {
		if v > best {
			best, bestIdx = v, i
		}
	}
	return bestIdx
}

func toWords(buf []byte) []uint32 {
	n := len(buf) / 4
	words := make([]uint32, n)
	for i := 0; i < n; i++ {
		words[i] = binary.LittleEndian.Uint32(buf[i*4 : i*4+4])
	}
	return words
}
