package output

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	mfhttp "github.com/tanq16/modelfetch/internal/downloaders/http"
	"golang.org/x/term"
)

type TransferOutput struct {
	ID          string
	Name        string
	Status      string
	Message     string
	StreamLines []string
	Complete    bool
	StartTime   time.Time
	LastUpdated time.Time
	Error       error
	Index       int
}

type ErrorReport struct {
	Name  string
	Error error
	Time  time.Time
}

// Manager renders transfer events. On a terminal it redraws a live view; on
// anything else it prints one line per state change.
type Manager struct {
	out         io.Writer
	interactive bool
	outputs     map[string]*TransferOutput
	mutex       sync.RWMutex
	numLines    int
	maxStreams  int
	errors      []ErrorReport
	doneCh      chan struct{}
	displayTick time.Duration
	count       int
	displayWg   sync.WaitGroup
	now         func() time.Time
}

var _ mfhttp.Sink = (*Manager)(nil)

func NewManager(out io.Writer) *Manager {
	interactive := false
	if f, ok := out.(*os.File); ok {
		interactive = term.IsTerminal(int(f.Fd()))
	}
	return &Manager{
		out:         out,
		interactive: interactive,
		outputs:     make(map[string]*TransferOutput),
		maxStreams:  10,
		doneCh:      make(chan struct{}),
		displayTick: 300 * time.Millisecond,
		now:         time.Now,
	}
}

// Register adds a pending line for a transfer before its first event.
func (m *Manager) Register(id, name string) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.register(id, name)
}

func (m *Manager) register(id, name string) *TransferOutput {
	if info, exists := m.outputs[id]; exists {
		return info
	}
	m.count++
	info := &TransferOutput{
		ID:          id,
		Name:        name,
		Status:      "pending",
		StartTime:   m.now(),
		LastUpdated: m.now(),
		Index:       m.count,
	}
	m.outputs[id] = info
	return info
}

func (m *Manager) HandleEvent(e mfhttp.Event) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	info := m.register(e.TransferID, e.FileName)
	if e.FileName != "" {
		info.Name = e.FileName
	}
	info.LastUpdated = m.now()
	switch e.Kind {
	case mfhttp.EventProgress:
		info.Status = "active"
		info.Message = fmt.Sprintf("Downloading %s", info.Name)
		text := fmt.Sprintf("%s of %s", FormatBytes(uint64(max(e.Downloaded, 0))), FormatBytes(uint64(max(e.Total, 0))))
		display := fmt.Sprintf("%s%s %s %s", PrintProgressBar(e.Downloaded, e.Total, 30), debugStyle.Render(text), StyleSymbols["bullet"], debugStyle.Render(FormatSpeed(e.BytesPerSecond)))
		info.StreamLines = []string{display}
	case mfhttp.EventVerify, mfhttp.EventDecompress, mfhttp.EventClean:
		info.Status = "active"
		info.Message = fmt.Sprintf("%s: %s", info.Name, e.Message)
	case mfhttp.EventComplete:
		info.StreamLines = nil
		info.Message = fmt.Sprintf("Completed %s", info.Name)
		info.Complete = true
		info.Status = "success"
		m.printLine(info)
	case mfhttp.EventCancel:
		info.StreamLines = nil
		info.Message = fmt.Sprintf("Cancelled %s (resumable)", info.Name)
		info.Complete = true
		info.Status = "warning"
		m.printLine(info)
	case mfhttp.EventFail:
		info.StreamLines = nil
		info.Message = fmt.Sprintf("Failed %s", info.Name)
		info.Complete = true
		info.Status = "error"
		info.Error = e.Err
		m.errors = append(m.errors, ErrorReport{Name: info.Name, Error: e.Err, Time: m.now()})
		m.printLine(info)
	}
}

// printLine is the non-interactive rendering of a terminal event.
func (m *Manager) printLine(info *TransferOutput) {
	if m.interactive {
		return
	}
	elapsed := info.LastUpdated.Sub(info.StartTime).Round(time.Second)
	fmt.Fprintf(m.out, "%s%s %s %s\n", strings.Repeat(" ", 2), m.GetStatusIndicator(info.Status), debugStyle.Render(elapsed.String()), m.styleMessage(info))
}

func (m *Manager) GetStatus(id string) string {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	if info, exists := m.outputs[id]; exists {
		return info.Status
	}
	return "unknown"
}

func (m *Manager) GetStatusIndicator(status string) string {
	switch status {
	case "success", "pass":
		return successStyle.Render(StyleSymbols["pass"])
	case "error", "fail":
		return errorStyle.Render(StyleSymbols["fail"])
	case "warning":
		return warningStyle.Render(StyleSymbols["warning"])
	case "pending":
		return pendingStyle.Render(StyleSymbols["pending"])
	default:
		return infoStyle.Render(StyleSymbols["bullet"])
	}
}

func (m *Manager) styleMessage(info *TransferOutput) string {
	switch info.Status {
	case "success":
		return successStyle.Render(info.Message)
	case "error":
		return errorStyle.Render(info.Message)
	case "warning":
		return warningStyle.Render(info.Message)
	default:
		return pendingStyle.Render(info.Message)
	}
}

func (m *Manager) sortOutputs() (active, pending, completed []*TransferOutput) {
	var all []*TransferOutput
	for _, info := range m.outputs {
		all = append(all, info)
	}
	sort.Slice(all, func(i, j int) bool {
		return all[i].Index < all[j].Index
	})
	for _, f := range all {
		if f.Complete {
			completed = append(completed, f)
		} else if f.Status == "pending" && f.Message == "" {
			pending = append(pending, f)
		} else {
			active = append(active, f)
		}
	}
	return active, pending, completed
}

func (m *Manager) writeEntry(info *TransferOutput, lineCount *int, availableLines int) {
	statusDisplay := m.GetStatusIndicator(info.Status)
	elapsed := m.now().Sub(info.StartTime).Round(time.Second)
	if info.Complete {
		elapsed = info.LastUpdated.Sub(info.StartTime).Round(time.Second)
	}
	message := m.styleMessage(info)
	if info.Status == "pending" && info.Message == "" {
		message = pendingStyle.Render("Waiting...")
	}
	fmt.Fprintf(m.out, "%s%s %s %s\n", strings.Repeat(" ", 2), statusDisplay, debugStyle.Render(elapsed.String()), message)
	*lineCount++
	indent := strings.Repeat(" ", 2+4)
	for _, line := range info.StreamLines {
		if *lineCount >= availableLines {
			return
		}
		fmt.Fprintf(m.out, "%s%s\n", indent, streamStyle.Render(line))
		*lineCount++
	}
}

func (m *Manager) updateDisplay() {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	_, termHeight := getTerminalSize()
	availableLines := termHeight - 3
	if m.numLines > 0 {
		fmt.Fprintf(m.out, "\033[%dA\033[J", m.numLines)
	}

	lineCount := 0
	active, pending, completed := m.sortOutputs()
	totalNeeded := len(completed)
	for _, f := range append(active, pending...) {
		totalNeeded += 1 + len(f.StreamLines)
	}
	if totalNeeded > availableLines {
		maxCompleted := max(availableLines-(totalNeeded-len(completed)), 0)
		if len(completed) > maxCompleted {
			completed = completed[len(completed)-maxCompleted:]
		}
	}
	for _, f := range append(active, pending...) {
		if lineCount >= availableLines {
			break
		}
		m.writeEntry(f, &lineCount, availableLines)
	}
	if len(completed) > 10 && lineCount < availableLines {
		fmt.Fprintln(m.out, infoStyle.Render(fmt.Sprintf("%s%d transfers finished with varying hidden status ...", strings.Repeat(" ", 2), len(completed)-8)))
		completed = completed[len(completed)-8:]
		lineCount++
	}
	for _, f := range completed {
		if lineCount >= availableLines {
			break
		}
		m.writeEntry(f, &lineCount, availableLines)
	}
	m.numLines = lineCount
}

func (m *Manager) StartDisplay() {
	m.displayWg.Add(1)
	go func() {
		defer m.displayWg.Done()
		ticker := time.NewTicker(m.displayTick)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if m.interactive {
					m.updateDisplay()
				}
			case <-m.doneCh:
				if m.interactive {
					m.updateDisplay()
				}
				m.ShowSummary()
				return
			}
		}
	}()
}

func (m *Manager) StopDisplay() {
	close(m.doneCh)
	m.displayWg.Wait()
}

func (m *Manager) displayErrors() {
	if len(m.errors) == 0 {
		return
	}
	fmt.Fprintln(m.out)
	fmt.Fprintln(m.out, strings.Repeat(" ", 2)+errorStyle.Bold(true).Render("Errors:"))
	for i, err := range m.errors {
		fmt.Fprintf(m.out, "%s%s %s %s\n",
			strings.Repeat(" ", 2+2),
			errorStyle.Render(fmt.Sprintf("%d.", i+1)),
			debugStyle.Render(fmt.Sprintf("[%s]", err.Time.Format("15:04:05"))),
			errorStyle.Render(fmt.Sprintf("Transfer: %s", err.Name)))
		fmt.Fprintf(m.out, "%s%s\n", strings.Repeat(" ", 2+4), errorStyle.Render(fmt.Sprintf("Error: %v", err.Error)))
	}
}

// Counts returns completed, cancelled and failed totals.
func (m *Manager) Counts() (success, cancelled, failures int) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	for _, info := range m.outputs {
		switch info.Status {
		case "success":
			success++
		case "warning":
			cancelled++
		case "error":
			failures++
		}
	}
	return success, cancelled, failures
}

func (m *Manager) ShowSummary() {
	success, cancelled, failures := m.Counts()
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	total := len(m.outputs)
	fmt.Fprintln(m.out)
	fmt.Fprintln(m.out, strings.Repeat(" ", 2)+success2Style.Render(fmt.Sprintf("Completed %d of %d", success, total)))
	if cancelled > 0 {
		fmt.Fprintln(m.out, strings.Repeat(" ", 2)+warningStyle.Render(fmt.Sprintf("Cancelled %d of %d", cancelled, total)))
	}
	if failures > 0 {
		fmt.Fprintln(m.out, strings.Repeat(" ", 2)+errorStyle.Render(fmt.Sprintf("Failed %d of %d", failures, total)))
	}
	m.displayErrors()
	fmt.Fprintln(m.out)
}
