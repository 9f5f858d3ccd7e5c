/*
 * Copyright 2024 CloudWeGo Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package broadcast

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cloudwego/shmipc/internal/chunkpool"
	"github.com/cloudwego/shmipc/shmname"
)

var testSeq int

func uniqueChannelName(t *testing.T) (prefix, name string) {
	testSeq++
	return "ut", fmt.Sprintf("%s_%d", t.Name(), testSeq)
}

func openTestChannel(t *testing.T) (*Channel, func()) {
	t.Helper()
	prefix, name := uniqueChannelName(t)
	ch, err := Open(prefix, name)
	require.NoError(t, err)
	cleanup := func() {
		require.NoError(t, ch.Close())
		shmname.ClearStorage(prefix, name, ch.OpenedChunkSizes()...)
	}
	return ch, cleanup
}

func TestConnectAssignsDistinctBits(t *testing.T) {
	ch, cleanup := openTestChannel(t)
	defer cleanup()

	s1, err := ch.Connect()
	require.NoError(t, err)
	s2, err := ch.Connect()
	require.NoError(t, err)

	require.NotEqual(t, s1.Bit(), s2.Bit())
	require.Equal(t, s1.Bit()|s2.Bit(), ch.Connections())
}

func TestConnectFailsPastThirtyTwoSubscribers(t *testing.T) {
	ch, cleanup := openTestChannel(t)
	defer cleanup()

	for i := 0; i < maxSubscribers; i++ {
		_, err := ch.Connect()
		require.NoErrorf(t, err, "subscriber %d", i)
	}

	_, err := ch.Connect()
	require.ErrorIs(t, err, ErrTooManySubscribers)
}

func TestDisconnectFreesBitForReuse(t *testing.T) {
	ch, cleanup := openTestChannel(t)
	defer cleanup()

	s1, err := ch.Connect()
	require.NoError(t, err)
	bit := s1.Bit()
	s1.Disconnect()
	require.Equal(t, uint32(0), ch.Connections())

	s2, err := ch.Connect()
	require.NoError(t, err)
	require.Equal(t, bit, s2.Bit())
}

func TestOneToOneInlineRoundTrip(t *testing.T) {
	ch, cleanup := openTestChannel(t)
	defer cleanup()

	sub, err := ch.Connect()
	require.NoError(t, err)
	prod, err := ch.NewProducer()
	require.NoError(t, err)
	defer prod.Close()

	sent, err := prod.Send([]byte("hello"), time.Second)
	require.NoError(t, err)
	require.True(t, sent)

	got, err := sub.Receive(0, time.Second)
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), got)
}

func TestOneToNBroadcast(t *testing.T) {
	ch, cleanup := openTestChannel(t)
	defer cleanup()

	const n = 5
	subs := make([]*Subscriber, n)
	for i := range subs {
		s, err := ch.Connect()
		require.NoError(t, err)
		subs[i] = s
	}
	prod, err := ch.NewProducer()
	require.NoError(t, err)
	defer prod.Close()

	sent, err := prod.Send([]byte("fan-out"), time.Second)
	require.NoError(t, err)
	require.True(t, sent)

	var wg sync.WaitGroup
	wg.Add(n)
	for i := range subs {
		go func(s *Subscriber) {
			defer wg.Done()
			got, err := s.Receive(0, time.Second)
			require.NoError(t, err)
			require.Equal(t, []byte("fan-out"), got)
		}(subs[i])
	}
	wg.Wait()
}

func TestSelfSendIsSuppressed(t *testing.T) {
	ch, cleanup := openTestChannel(t)
	defer cleanup()

	prod, err := ch.NewProducer()
	require.NoError(t, err)
	defer prod.Close()
	sub, err := ch.Connect()
	require.NoError(t, err)

	sent, err := prod.Send([]byte("from me"), time.Second)
	require.NoError(t, err)
	require.True(t, sent)

	other, err := ch.NewProducer()
	require.NoError(t, err)
	defer other.Close()
	sent, err = other.Send([]byte("not from me"), time.Second)
	require.NoError(t, err)
	require.True(t, sent)

	got, err := sub.Receive(prod.ID(), time.Second)
	require.NoError(t, err)
	require.Equal(t, []byte("not from me"), got)
}

func TestLargeMessageRoundTripsThroughChunkPool(t *testing.T) {
	ch, cleanup := openTestChannel(t)
	defer cleanup()

	sub, err := ch.Connect()
	require.NoError(t, err)
	prod, err := ch.NewProducer()
	require.NoError(t, err)
	defer prod.Close()

	payload := make([]byte, 5000)
	for i := range payload {
		payload[i] = byte(i)
	}

	sent, err := prod.Send(payload, time.Second)
	require.NoError(t, err)
	require.True(t, sent)

	got, err := sub.Receive(0, time.Second)
	require.NoError(t, err)
	require.Equal(t, payload, got)
	require.Contains(t, ch.OpenedChunkSizes(), chunkpool.SizeFor(len(payload)))
}

func TestSendWithNoSubscribersIsNotSent(t *testing.T) {
	ch, cleanup := openTestChannel(t)
	defer cleanup()

	prod, err := ch.NewProducer()
	require.NoError(t, err)
	defer prod.Close()

	sent, err := prod.Send([]byte("nobody home"), 10*time.Millisecond)
	require.NoError(t, err)
	require.False(t, sent)
}

func TestReceiveTimesOutWithoutMessage(t *testing.T) {
	ch, cleanup := openTestChannel(t)
	defer cleanup()

	sub, err := ch.Connect()
	require.NoError(t, err)

	got, err := sub.Receive(0, 20*time.Millisecond)
	require.NoError(t, err)
	require.Empty(t, got)
}

func TestForcedPushEvictsStalledSubscriber(t *testing.T) {
	ch, cleanup := openTestChannel(t)
	defer cleanup()

	stalled, err := ch.Connect()
	require.NoError(t, err)
	prod, err := ch.NewProducer()
	require.NoError(t, err)
	defer prod.Close()

	// Fill and wrap the ring without the stalled subscriber ever reading,
	// forcing the producer to evict it via forced push (spec.md §4.4, §8 P2).
	for i := 0; i < numSlots+1; i++ {
		sent, err := prod.Send([]byte(fmt.Sprintf("m%d", i)), 30*time.Millisecond)
		require.NoError(t, err)
		require.True(t, sent)
	}

	require.Equal(t, uint32(0), ch.Connections()&stalled.Bit())
}

func TestWaitForSubscribersUnblocksOnConnect(t *testing.T) {
	ch, cleanup := openTestChannel(t)
	defer cleanup()

	done := make(chan bool, 1)
	go func() {
		done <- ch.WaitForSubscribers(1, time.Second)
	}()

	time.Sleep(20 * time.Millisecond)
	_, err := ch.Connect()
	require.NoError(t, err)

	require.True(t, <-done)
}
