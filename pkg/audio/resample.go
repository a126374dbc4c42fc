package audio

import "log/slog"

// ResampleFloat32 resamples mono float samples from srcRate to dstRate using
// linear interpolation. If the rates match or are invalid the input is
// returned unchanged.
func ResampleFloat32(samples []float32, srcRate, dstRate int) []float32 {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate || len(samples) == 0 {
		return samples
	}
	dstLen := int(int64(len(samples)) * int64(dstRate) / int64(srcRate))
	if dstLen == 0 {
		return nil
	}

	out := make([]float32, dstLen)
	ratio := float64(srcRate) / float64(dstRate)
	for i := range dstLen {
		srcPos := float64(i) * ratio
		srcIdx := int(srcPos)
		frac := float32(srcPos - float64(srcIdx))

		s0 := samples[srcIdx]
		s1 := s0
		if srcIdx+1 < len(samples) {
			s1 = samples[srcIdx+1]
		}
		out[i] = s0*(1-frac) + s1*frac
	}
	return out
}

// Resampler adapts captured blocks to a fixed wire rate. It logs once when the
// negotiated capture rate differs from the target.
// Create one per capture stream; not designed for shared use across goroutines.
type Resampler struct {
	Target Format
	warned bool
}

// Convert returns samples at the target rate. Blocks already at the target
// rate are returned unchanged (zero allocation).
func (r *Resampler) Convert(samples []float32, srcRate int) []float32 {
	if srcRate == r.Target.SampleRate {
		return samples
	}
	if !r.warned {
		r.warned = true
		slog.Warn("audio format mismatch: converting",
			"from", formatString(srcRate, 1),
			"to", r.Target.String(),
		)
	}
	return ResampleFloat32(samples, srcRate, r.Target.SampleRate)
}
