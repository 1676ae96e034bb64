package server

import "time"

// Stats is a point-in-time snapshot for the dashboard and state API.
type Stats struct {
	Sessions   int          `json:"sessions"`
	Pending    int          `json:"pending"`
	TotalFlows int64        `json:"total_flows"`
	Timeouts   int64        `json:"timeouts"`
	Tunnels    []TunnelInfo `json:"tunnels"`
	Now        string       `json:"now"`
}

type TunnelInfo struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Type       string `json:"type"`
	Entrypoint string `json:"entrypoint"`
	State      string `json:"state"`
}

func (s *Server) Stats() Stats {
	s.mu.Lock()
	sessions := len(s.sessions)
	pending := len(s.pending)
	s.mu.Unlock()
	st := Stats{
		Sessions:   sessions,
		Pending:    pending,
		TotalFlows: s.totalFlows.Load(),
		Timeouts:   s.timeouts.Load(),
		Now:        time.Now().UTC().Format(time.RFC3339),
	}
	if s.reg != nil {
		for _, t := range s.reg.Active() {
			st.Tunnels = append(st.Tunnels, TunnelInfo{
				ID:         t.ID,
				Name:       t.Name,
				Type:       t.Type,
				Entrypoint: t.Entrypoint.String(),
				State:      t.State().String(),
			})
		}
	}
	return st
}

// ToTemplateMap shapes the snapshot for html/template rendering.
func (s Stats) ToTemplateMap() map[string]any {
	return map[string]any{
		"Sessions":   s.Sessions,
		"Pending":    s.Pending,
		"TotalFlows": s.TotalFlows,
		"Timeouts":   s.Timeouts,
		"Tunnels":    s.Tunnels,
	}
}
