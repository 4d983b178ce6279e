package network

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func TestFlowControlStartsGood(t *testing.T) {
	f := NewFlowControl(epoch)
	assert.True(t, f.Good())
	assert.Equal(t, "good", f.Mode())
	assert.Equal(t, InitialHysteresis, f.Hysteresis())
}

func TestFlowControlDoesNotFlapWithOscillatingRTT(t *testing.T) {
	f := NewFlowControl(epoch)

	switches := 0
	prev := f.Good()
	for i := 1; i <= 200; i++ {
		rtt := 100.0
		if i%2 == 1 {
			rtt = 400.0
		}
		f.Update(rtt, 50*time.Millisecond, epoch.Add(time.Duration(i)*100*time.Millisecond))
		if f.Good() != prev {
			switches++
			prev = f.Good()
		}
	}

	assert.Equal(t, 1, switches)
	assert.False(t, f.Good())
	assert.Equal(t, 2*InitialHysteresis, f.Hysteresis())
}

func TestFlowControlBadOnMissingAcks(t *testing.T) {
	f := NewFlowControl(epoch)
	f.Update(20, MaxTimeBetweenAcks+time.Millisecond, epoch.Add(time.Second))
	assert.False(t, f.Good())
}

func TestFlowControlRecoversAfterHysteresis(t *testing.T) {
	f := NewFlowControl(epoch)
	now := epoch.Add(time.Second)
	f.Update(400, 0, now)
	require.False(t, f.Good())
	h := f.Hysteresis()

	now = now.Add(h)
	f.Update(100, 0, now)
	assert.False(t, f.Good(), "exactly the hysteresis is not enough")

	now = now.Add(100 * time.Millisecond)
	f.Update(100, 0, now)
	assert.True(t, f.Good())
}

func TestFlowControlHysteresisBounded(t *testing.T) {
	f := NewFlowControl(epoch)
	f.hysteresis = 40 * time.Second

	f.Update(400, 0, epoch.Add(time.Second))
	require.False(t, f.Good())
	assert.Equal(t, MaxHysteresis, f.Hysteresis())
}

func TestFlowControlHysteresisDecaysWhileGood(t *testing.T) {
	f := NewFlowControl(epoch)

	f.Update(100, 0, epoch.Add(5*time.Second))
	assert.Equal(t, InitialHysteresis, f.Hysteresis())

	f.Update(100, 0, epoch.Add(10*time.Second+time.Millisecond))
	assert.Equal(t, InitialHysteresis/2, f.Hysteresis())

	for i := 2; i < 10; i++ {
		f.Update(100, 0, epoch.Add(time.Duration(i)*10*time.Second+time.Duration(i)*time.Millisecond))
	}
	assert.Equal(t, MinHysteresis, f.Hysteresis())
}

func TestClampDuration(t *testing.T) {
	assert.Equal(t, time.Second, clampDuration(0, time.Second, time.Minute))
	assert.Equal(t, time.Minute, clampDuration(time.Hour, time.Second, time.Minute))
	assert.Equal(t, 5*time.Second, clampDuration(5*time.Second, time.Second, time.Minute))
}
