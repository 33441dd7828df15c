package device_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/suite"

	"github.com/srg/xmihome/pkg/device"
)

func TestReconnectBackoffSchedule(t *testing.T) {
	// GOAL: Verify the documented backoff schedule
	//
	// TEST SCENARIO: Short phase grows exponentially capped at MaxDelay → long phase waits constant MaxDelay

	cfg := device.ReconnectConfig{
		ShortAttempts: 5,
		InitialDelay:  time.Second,
		Factor:        2,
		MaxDelay:      30 * time.Second,
		LongAttempts:  30,
	}

	want := []time.Duration{
		time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second,
	}
	for k, d := range want {
		assert.Equal(t, d, cfg.Delay(k+1), "short-phase attempt %d", k+1)
	}
	for k := 6; k <= cfg.TotalAttempts(); k++ {
		assert.Equal(t, 30*time.Second, cfg.Delay(k), "long-phase attempt %d MUST wait MaxDelay", k)
	}
	assert.Equal(t, 35, cfg.TotalAttempts())

	// The cap also applies inside the short phase.
	capped := device.ReconnectConfig{
		ShortAttempts: 5,
		InitialDelay:  10 * time.Second,
		Factor:        2,
		MaxDelay:      30 * time.Second,
		LongAttempts:  30,
	}
	assert.Equal(t, 30*time.Second, capped.Delay(3), "10s*2^2 MUST cap at 30s")
}

type ReconnectTestSuite struct {
	DeviceTestSuite
}

func TestReconnectSuite(t *testing.T) {
	suite.Run(t, new(ReconnectTestSuite))
}

func (suite *ReconnectTestSuite) fastReconnect() device.ReconnectConfig {
	return device.ReconnectConfig{
		ShortAttempts: 2,
		InitialDelay:  time.Millisecond,
		Factor:        2,
		MaxDelay:      4 * time.Millisecond,
		LongAttempts:  1,
	}
}

func (suite *ReconnectTestSuite) TestExternalDisconnect() {
	// GOAL: Verify external disconnects trigger recovery with ordered subscription restore
	//
	// TEST SCENARIO: Session drops → reconnecting notification → new session → subscriptions re-established in original order

	suite.Run("reconnects and restores subscriptions in order", func() {
		dev := suite.localDevice(device.Options{Reconnect: suite.fastReconnect(), EventBuffer: 64})
		suite.Require().NoError(dev.Connect(context.Background(), device.KindNone))
		first := suite.factory.transport(0)

		var mu sync.Mutex
		var got []interface{}
		_, err := dev.StartNotify(context.Background(), "status", func(v interface{}) {
			mu.Lock()
			got = append(got, v)
			mu.Unlock()
		})
		suite.Require().NoError(err)
		_, err = dev.StartNotify(context.Background(), "power", func(interface{}) {})
		suite.Require().NoError(err)

		close(first.lost)

		suite.waitFor(dev, func(ev device.Event) bool {
			_, ok := ev.(device.ReconnectingEvent)
			return ok
		})
		suite.Require().Eventually(func() bool { return suite.factory.dialCount() == 2 },
			time.Second, time.Millisecond, "recovery MUST dial a new session")
		suite.Require().Eventually(func() bool {
			second := suite.factory.transport(1)
			return second != nil && len(second.notifyStarts()) == 2
		}, time.Second, time.Millisecond, "subscriptions MUST be restored")

		second := suite.factory.transport(1)
		suite.Assert().Equal([]string{"status", "power"}, second.notifyStarts(),
			"restore MUST replay subscriptions in registration order")
		suite.Assert().Equal(device.StateConnected, dev.State())

		// Callbacks registered before the drop keep firing on the new session.
		second.fire("status", "recovered")
		mu.Lock()
		suite.Assert().Equal([]interface{}{"recovered"}, got)
		mu.Unlock()
	})

	suite.Run("emits reconnect-failed after exhausting the budget", func() {
		dev := suite.localDevice(device.Options{Reconnect: suite.fastReconnect(), EventBuffer: 64})
		suite.Require().NoError(dev.Connect(context.Background(), device.KindNone))
		first := suite.factory.transport(0)

		suite.factory.mu.Lock()
		suite.factory.failAll = true
		suite.factory.mu.Unlock()
		close(first.lost)

		ev := suite.waitFor(dev, func(ev device.Event) bool {
			_, ok := ev.(device.ReconnectFailedEvent)
			return ok
		})
		suite.Assert().Equal(3, ev.(device.ReconnectFailedEvent).Attempts,
			"budget MUST be short+long attempts")
		suite.Assert().Equal(4, suite.factory.dialCount(), "every attempt MUST have dialed once")

		suite.Require().Eventually(func() bool { return dev.State() == device.StateIdle },
			time.Second, time.Millisecond, "exhausted recovery MUST settle in Idle")
	})

	suite.Run("disconnect during backoff returns promptly", func() {
		slow := device.ReconnectConfig{
			ShortAttempts: 2,
			InitialDelay:  30 * time.Second,
			Factor:        2,
			MaxDelay:      30 * time.Second,
			LongAttempts:  1,
		}
		dev := suite.localDevice(device.Options{Reconnect: slow, EventBuffer: 64})
		suite.Require().NoError(dev.Connect(context.Background(), device.KindNone))
		first := suite.factory.transport(0)

		close(first.lost)
		suite.Require().Eventually(func() bool { return dev.State() == device.StateReconnecting },
			time.Second, time.Millisecond)

		start := time.Now()
		suite.Require().NoError(dev.Disconnect(context.Background()))
		suite.Assert().Less(time.Since(start), 5*time.Second, "backoff sleep MUST be cancellable")
		suite.Assert().Equal(device.StateIdle, dev.State())
		suite.Assert().Equal(1, suite.factory.dialCount(), "no further attempt MUST run after disconnect")
	})

	suite.Run("never starts from an explicit disconnect", func() {
		dev := suite.localDevice(device.Options{Reconnect: suite.fastReconnect(), EventBuffer: 64})
		suite.Require().NoError(dev.Connect(context.Background(), device.KindNone))
		first := suite.factory.transport(0)

		suite.Require().NoError(dev.Disconnect(context.Background()))
		close(first.lost) // stale signal from the old session

		time.Sleep(20 * time.Millisecond)
		suite.Assert().Equal(1, suite.factory.dialCount(), "stale loss signal MUST NOT trigger reconnection")
		suite.Assert().Equal(device.StateIdle, dev.State())
	})
}
