// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-engine.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package driver

import (
	"context"
	"fmt"

	"github.com/ClusterCockpit/cc-engine/internal/enginerr"
	"github.com/ClusterCockpit/cc-engine/internal/model"
)

// stubDriver registers a real protocol name against the registry so
// connections.json can name it and PollEngine can report a clean
// enginerr.Transient instead of an unknown-driver-type config error, without
// pulling in an actual fieldbus stack. Swap one in per deployment by
// registering a replacement Factory under the same driverType.
type stubDriver struct {
	protocol string
}

func newStubDriver(protocol string) Factory {
	return func(_ *model.ConnectionConfig) (Driver, error) {
		return &stubDriver{protocol: protocol}, nil
	}
}

func (d *stubDriver) Connect(_ context.Context) error {
	return fmt.Errorf("%w: %s driver not implemented in this build", enginerr.Transient, d.protocol)
}

func (d *stubDriver) ReadTag(_ context.Context, tag *model.TagConfig) (model.TagValue, error) {
	return model.TagValue{}, fmt.Errorf("%w: %s driver not implemented in this build", enginerr.Transient, d.protocol)
}

func (d *stubDriver) WriteTag(_ context.Context, _ *model.TagConfig, _ interface{}) error {
	return fmt.Errorf("%w: %s driver not implemented in this build", enginerr.Transient, d.protocol)
}

func (d *stubDriver) Close() error { return nil }
