/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package netchan is the public façade over nethandler and channel: the
// explicit constructors (New, then Handler methods) plus a process-wide
// singleton ("standalone" NetHandler) for clients that
// never hold a *Handler of their own.
package netchan

import (
	"context"
	"fmt"
	"sync"

	"github.com/netchan-go/netchan/channel"
	"github.com/netchan-go/netchan/nethandler"
)

// Config re-exports nethandler.Config so callers need only import this
// top-level package for the common explicit-form usage.
type Config = nethandler.Config

// Attrs re-exports channel.Attrs, a channel's static declared attributes.
type Attrs = channel.Attrs

// Class re-exports channel.Class.
type Class = channel.Class

// Handler re-exports *nethandler.Handler as the explicit-form type.
type Handler = nethandler.Handler

// Channel re-exports *channel.Channel as the explicit-form type.
type Channel = channel.Channel

const (
	ClassA   = channel.ClassA
	ClassB   = channel.ClassB
	ClassTAS = channel.ClassTAS
)

// New constructs an explicit-form NetHandler. Callers own
// its lifecycle: CreateRx/CreateTx, then Start, then Stop. Tx channels
// may also be created after Start.
func New(cfg Config) (*Handler, error) {
	return nethandler.New(cfg)
}

var (
	standaloneMu sync.Mutex
	standalone   *Handler
)

// Init constructs the process-wide singleton NetHandler and starts its
// Rx goroutine under ctx. It is an error to call Init twice without an
// intervening Shutdown: standalone clients assume exactly one
// process-wide handler.
func Init(ctx context.Context, cfg Config) error {
	standaloneMu.Lock()
	defer standaloneMu.Unlock()
	if standalone != nil {
		return fmt.Errorf("netchan: standalone NetHandler already initialized")
	}
	h, err := nethandler.New(cfg)
	if err != nil {
		return err
	}
	if err := h.Start(ctx); err != nil {
		_ = h.Stop()
		return err
	}
	standalone = h
	return nil
}

// Shutdown tears down the standalone NetHandler, making a subsequent
// Init legal again.
func Shutdown() error {
	standaloneMu.Lock()
	h := standalone
	standalone = nil
	standaloneMu.Unlock()
	if h == nil {
		return nil
	}
	return h.Stop()
}

// handle returns the initialized singleton or an error, for the
// package-level convenience wrappers below.
func handle() (*Handler, error) {
	standaloneMu.Lock()
	defer standaloneMu.Unlock()
	if standalone == nil {
		return nil, fmt.Errorf("netchan: standalone NetHandler not initialized, call Init first")
	}
	return standalone, nil
}

// CreateTx creates a Tx channel on the standalone NetHandler, for
// callers that never hold their own *Handler.
func CreateTx(a Attrs) (*Channel, error) {
	h, err := handle()
	if err != nil {
		return nil, err
	}
	return h.CreateTx(a)
}

// CreateRx creates an Rx channel on the standalone NetHandler, for
// callers that never hold their own *Handler.
func CreateRx(a Attrs) (*Channel, error) {
	h, err := handle()
	if err != nil {
		return nil, err
	}
	return h.CreateRx(a)
}
