package faultinjector

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/ventosilenzioso/udpft/internal/config"
)

func TestDisabledModeNeverDropsOrDelays(t *testing.T) {
	inj := New(config.ControlNone, 100, rand.New(rand.NewSource(1)))
	for i := 0; i < 50; i++ {
		assert.False(t, inj.ShouldDrop())
	}
	start := time.Now()
	inj.Delay()
	assert.Less(t, time.Since(start), 5*time.Millisecond)
}

func TestDropOnlyModeNeverDelays(t *testing.T) {
	inj := New(config.ControlDrop, 100, rand.New(rand.NewSource(1)))
	start := time.Now()
	inj.Delay()
	assert.Less(t, time.Since(start), 5*time.Millisecond)
}

func TestFullPercentDropAlwaysDrops(t *testing.T) {
	inj := New(config.ControlBoth, 100, rand.New(rand.NewSource(1)))
	for i := 0; i < 50; i++ {
		assert.True(t, inj.ShouldDrop())
	}
}

func TestZeroPercentNeverDrops(t *testing.T) {
	inj := New(config.ControlBoth, 0, rand.New(rand.NewSource(1)))
	for i := 0; i < 50; i++ {
		assert.False(t, inj.ShouldDrop())
	}
}

func TestPercentOutOfRangeIsClamped(t *testing.T) {
	over := New(config.ControlDrop, 150, rand.New(rand.NewSource(1)))
	under := New(config.ControlDrop, -20, rand.New(rand.NewSource(1)))

	assert.True(t, over.ShouldDrop())
	assert.False(t, under.ShouldDrop())
}
