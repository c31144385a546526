package api

import (
	"net/http"

	"github.com/acnlabs/acn/pkg/types"
)

// handleDashboard aggregates the network snapshot a UI front page needs in
// one round trip: population counts, task breakdown and the activity feed.
func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	if _, ok := principal(w, r); !ok {
		return
	}

	agents, err := s.store.ListAgents()
	if err != nil {
		writeError(w, err)
		return
	}
	ids := make([]string, len(agents))
	for i, a := range agents {
		ids[i] = a.ID
	}
	alive := s.eph.BatchIsAlive(ids)
	online := 0
	for _, ok := range alive {
		if ok {
			online++
		}
	}

	taskRows, err := s.store.ListTasks()
	if err != nil {
		writeError(w, err)
		return
	}
	byStatus := make(map[string]int, 7)
	for _, t := range taskRows {
		byStatus[string(t.Status)]++
	}

	subnets, err := s.store.ListSubnets()
	if err != nil {
		writeError(w, err)
		return
	}

	activities, err := s.store.ListRecentActivities(20)
	if err != nil {
		writeError(w, err)
		return
	}
	if activities == nil {
		activities = []*types.Activity{}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"agents": map[string]interface{}{
			"total":  len(agents),
			"online": online,
		},
		"tasks": map[string]interface{}{
			"total":     len(taskRows),
			"by_status": byStatus,
		},
		"subnets":           len(subnets),
		"tunnels":           s.gateway.ConnectionCount(""),
		"recent_activities": activities,
	})
}
