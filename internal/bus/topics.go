// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-engine.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package bus

import "fmt"

// Topic builders for the Engine's fixed topic conventions.

func TagTopic(connID, tagID string) string {
	return fmt.Sprintf("tags/%s/%s", connID, tagID)
}

func BulkTopic(connID string) string {
	return fmt.Sprintf("tags/%s/bulk", connID)
}

func ConnectionStatusTopic(connID string) string {
	return fmt.Sprintf("status/%s", connID)
}

const EngineStatusTopic = "engine/status"

func FlowExecutionTopic(flowID string) string {
	return fmt.Sprintf("flows/%s/execution", flowID)
}

func FlowRunSummaryTopic(flowID string) string {
	return fmt.Sprintf("flows/%s/run-summary", flowID)
}

func FlowDeployStatusTopic(flowID string) string {
	return fmt.Sprintf("flows/%s/deploy-status", flowID)
}

func StateMachineStateTopic(smID string) string {
	return fmt.Sprintf("statemachines/%s/state", smID)
}

const HealthTopic = "engine/health"

const ConfigReloadTopic = "config/reload"

const HistoryRequestTopic = "history/request"

func HistoryResponseTopic(connID, tagID string) string {
	return fmt.Sprintf("history/%s/%s", connID, tagID)
}
