// Foundry is a self-hosted continuous-integration and deployment system.
// Copyright (C) 2025 Matthew Burns
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package ingress

import (
	"context"
	"fmt"
	"sync"
)

// Fake is an in-memory Controller for tests, per spec §9 ("tests mock the
// three-method interface"). Order records each call as "method:host", so
// callers can assert on call ordering (spec §4.G requires EnsureRoute
// before EnsureDNS) as well as final state.
type Fake struct {
	mu     sync.Mutex
	Routes map[string]string
	DNS    map[string]string
	Order  []string
}

// NewFake constructs an empty Fake controller.
func NewFake() *Fake {
	return &Fake{Routes: map[string]string{}, DNS: map[string]string{}}
}

func (f *Fake) EnsureRoute(ctx context.Context, host, target string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Routes[host] = target
	f.Order = append(f.Order, fmt.Sprintf("route:%s", host))
	return nil
}

func (f *Fake) RemoveRoute(ctx context.Context, host string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.Routes, host)
	f.Order = append(f.Order, fmt.Sprintf("remove:%s", host))
	return nil
}

func (f *Fake) EnsureDNS(ctx context.Context, host, canonical string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.DNS[host] = canonical
	f.Order = append(f.Order, fmt.Sprintf("dns:%s", host))
	return nil
}
