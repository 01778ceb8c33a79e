// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package gateway

import (
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/ffutop/modbus-rtu-gw/modbus"
	"github.com/ffutop/modbus-rtu-gw/transport"
)

// Valid unit ids of a routed slave.
const (
	MinSlaveID = 1
	MaxSlaveID = 247
)

// FunctionFilter selects the function codes a route forwards.
type FunctionFilter struct {
	any     bool
	allowed [256]bool
}

// AnyFunctionCode forwards every function code.
var AnyFunctionCode = FunctionFilter{any: true}

// AllowFunctions forwards only the given function codes.
func AllowFunctions(codes ...byte) FunctionFilter {
	var f FunctionFilter
	for _, fc := range codes {
		f.allowed[fc] = true
	}
	return f
}

// Allows reports whether fc passes the filter.
func (f FunctionFilter) Allows(fc byte) bool {
	return f.any || f.allowed[fc]
}

// Route maps a unit id seen by Modbus TCP clients to a slave behind a downstream.
type Route struct {
	ServerID   byte
	SlaveID    byte
	Filter     FunctionFilter
	Downstream transport.Downstream
}

// Router is the slave routing table. Lookups are a single array access.
type Router struct {
	mu     sync.RWMutex
	routes [256]*Route
}

// NewRouter returns an empty routing table.
func NewRouter() *Router {
	return &Router{}
}

// Attach routes serverID to slaveID on ds. An existing route is replaced.
func (r *Router) Attach(serverID, slaveID byte, filter FunctionFilter, ds transport.Downstream) error {
	if serverID < MinSlaveID || serverID > MaxSlaveID {
		return fmt.Errorf("gateway: unit id %d outside %d-%d: %w", serverID, MinSlaveID, MaxSlaveID, modbus.ErrInvalidServer)
	}
	if ds == nil {
		return fmt.Errorf("gateway: no downstream for unit id %d", serverID)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.routes[serverID] = &Route{ServerID: serverID, SlaveID: slaveID, Filter: filter, Downstream: ds}
	return nil
}

// AttachRange routes every id in ids to the same slave id on ds.
func (r *Router) AttachRange(ids []byte, filter FunctionFilter, ds transport.Downstream) error {
	for _, id := range ids {
		if err := r.Attach(id, id, filter, ds); err != nil {
			return err
		}
	}
	return nil
}

// Resolve returns the route for a request. Unrouted unit ids fail with
// modbus.ErrGatewayPathUnavail, filtered function codes with
// modbus.ErrIllegalFunction.
func (r *Router) Resolve(unitID, functionCode byte) (*Route, error) {
	r.mu.RLock()
	route := r.routes[unitID]
	r.mu.RUnlock()

	if route == nil {
		return nil, fmt.Errorf("gateway: no route for unit id %d: %w", unitID, modbus.ErrGatewayPathUnavail)
	}
	if !route.Filter.Allows(functionCode) {
		return nil, fmt.Errorf("gateway: function code 0x%02X not forwarded to unit id %d: %w", functionCode, unitID, modbus.ErrIllegalFunction)
	}
	return route, nil
}

// Len returns the number of routed unit ids.
func (r *Router) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, route := range r.routes {
		if route != nil {
			n++
		}
	}
	return n
}

// Downstreams returns the distinct downstreams referenced by the table.
func (r *Router) Downstreams() []transport.Downstream {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := make(map[transport.Downstream]struct{})
	var out []transport.Downstream
	for _, route := range r.routes {
		if route == nil {
			continue
		}
		if _, ok := seen[route.Downstream]; !ok {
			seen[route.Downstream] = struct{}{}
			out = append(out, route.Downstream)
		}
	}
	return out
}

// ParseSlaveIDs parses a string of slave IDs (e.g. "1,2,5-10") into a slice of bytes.
func ParseSlaveIDs(input string) ([]byte, error) {
	var ids []byte
	parts := strings.Split(input, ",")
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if strings.Contains(part, "-") {
			// Range
			ranges := strings.Split(part, "-")
			if len(ranges) != 2 {
				return nil, fmt.Errorf("invalid range: %s", part)
			}
			start, err := strconv.Atoi(strings.TrimSpace(ranges[0]))
			if err != nil {
				return nil, fmt.Errorf("invalid start of range: %w", err)
			}
			end, err := strconv.Atoi(strings.TrimSpace(ranges[1]))
			if err != nil {
				return nil, fmt.Errorf("invalid end of range: %w", err)
			}
			if start > end {
				return nil, fmt.Errorf("start of range %d is greater than end %d", start, end)
			}
			for i := start; i <= end; i++ {
				if i < MinSlaveID || i > MaxSlaveID {
					return nil, fmt.Errorf("id out of range: %d", i)
				}
				ids = append(ids, byte(i))
			}
		} else {
			// Single
			id, err := strconv.Atoi(part)
			if err != nil {
				return nil, fmt.Errorf("invalid id: %w", err)
			}
			if id < MinSlaveID || id > MaxSlaveID {
				return nil, fmt.Errorf("id out of range: %d", id)
			}
			ids = append(ids, byte(id))
		}
	}
	return ids, nil
}
