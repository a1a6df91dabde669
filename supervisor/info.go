package supervisor

import (
	"time"

	"github.com/shirou/gopsutil/v3/process"
	"go.uber.org/zap"
)

// SessionInfo is a point-in-time view of a live session.
type SessionInfo struct {
	ID             string    `json:"id"`
	App            string    `json:"app"`
	PID            int       `json:"pid"`
	State          string    `json:"state"`
	StartedAt      time.Time `json:"startedAt"`
	LastInputAt    time.Time `json:"lastInputAt"`
	BufferedChunks int       `json:"bufferedChunks"`

	// Resource usage of the child process, only filled in by Registry.Info.
	RSSBytes   uint64  `json:"rssBytes,omitempty"`
	CPUPercent float64 `json:"cpuPercent,omitempty"`
}

func (s *Session) info() SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SessionInfo{
		ID:             s.id,
		App:            s.app,
		PID:            s.proc.PID(),
		State:          s.state.String(),
		StartedAt:      s.startedAt,
		LastInputAt:    s.lastInputAt,
		BufferedChunks: s.transcript.Len(),
	}
}

// addProcessStats fills in resource usage. Processes that can't be inspected, such as ones
// running in a container namespace we can't see, are left at zero.
func (i *SessionInfo) addProcessStats(log *zap.SugaredLogger) {
	if i.PID <= 0 {
		return
	}
	p, err := process.NewProcess(int32(i.PID))
	if err != nil {
		log.Debugf("inspecting pid %d: %s", i.PID, err)
		return
	}
	if mem, err := p.MemoryInfo(); err == nil {
		i.RSSBytes = mem.RSS
	}
	if cpu, err := p.CPUPercent(); err == nil {
		i.CPUPercent = cpu
	}
}
