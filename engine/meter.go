package engine

// AverageMeter tracks a running mean weighted by batch size.
type AverageMeter struct {
	Val   float64
	Sum   float64
	Count int
	Avg   float64
}

// Update records value observed over n samples.
func (m *AverageMeter) Update(value float64, n int) {
	m.Val = value
	m.Sum += value * float64(n)
	m.Count += n
	if m.Count > 0 {
		m.Avg = m.Sum / float64(m.Count)
	}
}
