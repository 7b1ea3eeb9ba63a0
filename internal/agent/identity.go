package agent

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// errAlreadyRunning is returned by Start when the agent is already running.
var errAlreadyRunning = errors.New("agent: already running")

// agentIDFile is the file under the state directory holding the persistent
// agent GUID.
const agentIDFile = "agent_id"

// LoadOrCreateID returns the agent's persistent GUID, generating and storing
// a new one under stateDir on first run. The GUID identifies this agent
// installation across restarts in phone-home reports.
func LoadOrCreateID(stateDir string) (string, error) {
	path := filepath.Join(stateDir, agentIDFile)

	data, err := os.ReadFile(path)
	if err == nil {
		id := strings.TrimSpace(string(data))
		if _, perr := uuid.Parse(id); perr == nil {
			return id, nil
		}
		// Corrupt ID file; fall through and regenerate.
	} else if !os.IsNotExist(err) {
		return "", fmt.Errorf("agent: read id file %q: %w", path, err)
	}

	id := uuid.NewString()
	if err := os.WriteFile(path, []byte(id+"\n"), 0o600); err != nil {
		return "", fmt.Errorf("agent: write id file %q: %w", path, err)
	}
	return id, nil
}
