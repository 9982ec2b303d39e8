package utils

import "time"

// Backoff 指数退避，每次翻倍直到 Max
type Backoff struct {
	Initial time.Duration
	Max     time.Duration

	current time.Duration
}

// Next 返回本次应等待的时长并推进到下一档
func (b *Backoff) Next() time.Duration {
	if b.current == 0 {
		b.current = b.Initial
	}
	wait := b.current
	b.current *= 2
	if b.Max > 0 && b.current > b.Max {
		b.current = b.Max
	}
	if b.Max > 0 && wait > b.Max {
		wait = b.Max
	}
	return wait
}

// Reset 连接成功后回到初始档位
func (b *Backoff) Reset() {
	b.current = 0
}
