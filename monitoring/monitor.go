// Package monitoring serves the live state of running controllers over HTTP.
package monitoring

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"reflect"
	"runtime/pprof"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
	"unsafe"

	"github.com/google/pprof/profile"
	"github.com/gorilla/mux"
	"github.com/sarchlab/dwmmc/host"
	"github.com/sarchlab/dwmmc/monitoring/web"
	"github.com/sarchlab/dwmmc/sim"
	"github.com/shirou/gopsutil/process"
	"github.com/syifan/goseth"
)

// Controller is what the monitor needs from a controller.
type Controller interface {
	sim.Named
	Snapshot() host.Status
	DumpRegisters() []host.RegisterValue
}

// Monitor turns a set of controllers into a web server that shows their
// state.
type Monitor struct {
	portNumber int
	ids        sim.IDGenerator

	lock         sync.Mutex
	controllers  []Controller
	buffers      []sim.Buffer
	progressBars []*ProgressBar
}

// NewMonitor creates a new Monitor
func NewMonitor() *Monitor {
	return &Monitor{ids: sim.NewParallelIDGenerator()}
}

// WithPortNumber sets the port number of the monitor.
func (m *Monitor) WithPortNumber(portNumber int) *Monitor {
	if portNumber != 0 && portNumber < 1000 {
		fmt.Fprintf(os.Stderr,
			"Port number %d is assigned to the monitoring server, "+
				"which is not allowed. Using a random port instead.\n",
			portNumber)
		portNumber = 0
	}

	m.portNumber = portNumber

	return m
}

// RegisterController registers a controller to be monitored, along with the
// buffers it holds.
func (m *Monitor) RegisterController(c Controller) {
	m.lock.Lock()
	defer m.lock.Unlock()

	for _, existing := range m.controllers {
		if existing.Name() == c.Name() {
			log.Panicf("controller %s registered twice", c.Name())
		}
	}

	m.controllers = append(m.controllers, c)
	m.buffers = append(m.buffers, buffersOf(c)...)
}

// RegisterRegistry registers every controller in the registry.
func (m *Monitor) RegisterRegistry(r *host.Registry) {
	for _, c := range r.List() {
		m.RegisterController(c)
	}
}

// buffersOf finds the sim.Buffer fields of a controller struct, exported or
// not.
func buffersOf(c any) []sim.Buffer {
	v := reflect.ValueOf(c)
	if v.Kind() != reflect.Ptr || v.Elem().Kind() != reflect.Struct {
		return nil
	}

	v = v.Elem()
	bufferType := reflect.TypeOf((*sim.Buffer)(nil)).Elem()

	var buffers []sim.Buffer
	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		if field.Type() != bufferType || field.IsNil() {
			continue
		}

		buf := reflect.NewAt(
			field.Type(),
			unsafe.Pointer(field.UnsafeAddr()),
		).Elem().Interface().(sim.Buffer)
		buffers = append(buffers, buf)
	}

	return buffers
}

// CreateProgressBar creates a new progress bar.
func (m *Monitor) CreateProgressBar(name string, total uint64) *ProgressBar {
	bar := &ProgressBar{
		ID:        m.ids.Generate(),
		Name:      name,
		StartTime: time.Now(),
		Total:     total,
	}

	m.lock.Lock()
	defer m.lock.Unlock()

	m.progressBars = append(m.progressBars, bar)

	return bar
}

// CompleteProgressBar removes a bar to be shown on the webpage.
func (m *Monitor) CompleteProgressBar(pb *ProgressBar) {
	m.lock.Lock()
	defer m.lock.Unlock()

	bars := make([]*ProgressBar, 0, len(m.progressBars))
	for _, b := range m.progressBars {
		if b != pb {
			bars = append(bars, b)
		}
	}

	m.progressBars = bars
}

// Handler returns the router that serves the monitoring API and pages.
func (m *Monitor) Handler() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/api/list_controllers", m.listControllers)
	r.HandleFunc("/api/controller/{name}", m.controllerDetails)
	r.HandleFunc("/api/status/{name}", m.status)
	r.HandleFunc("/api/registers/{name}", m.registers)
	r.HandleFunc("/api/field/{json}", m.fieldValue)
	r.HandleFunc("/api/hangdetector/buffers", m.hangDetectorBuffers)
	r.HandleFunc("/api/progress", m.listProgressBars)
	r.HandleFunc("/api/resource", m.listResources)
	r.HandleFunc("/api/profile", m.collectProfile)
	r.PathPrefix("/").Handler(http.FileServer(web.GetAssets()))

	return r
}

// StartServer starts the monitor as a web server and returns its URL. A
// random port is used unless one was set.
func (m *Monitor) StartServer() string {
	listener, err := net.Listen("tcp", ":"+strconv.Itoa(m.portNumber))
	dieOnErr(err)

	url := fmt.Sprintf("http://localhost:%d",
		listener.Addr().(*net.TCPAddr).Port)
	fmt.Fprintf(os.Stderr, "Monitoring controllers with %s\n", url)

	go func() {
		err := http.Serve(listener, m.Handler())
		dieOnErr(err)
	}()

	return url
}

func (m *Monitor) listControllers(w http.ResponseWriter, _ *http.Request) {
	m.lock.Lock()
	names := make([]string, 0, len(m.controllers))
	for _, c := range m.controllers {
		names = append(names, c.Name())
	}
	m.lock.Unlock()

	writeJSON(w, names)
}

func (m *Monitor) controllerDetails(w http.ResponseWriter, r *http.Request) {
	c := m.findControllerOr404(w, mux.Vars(r)["name"])
	if c == nil {
		return
	}

	serializer := goseth.NewSerializer()
	serializer.SetRoot(c)
	serializer.SetMaxDepth(1)
	dieOnErr(serializer.Serialize(w))
}

func (m *Monitor) status(w http.ResponseWriter, r *http.Request) {
	c := m.findControllerOr404(w, mux.Vars(r)["name"])
	if c == nil {
		return
	}

	writeJSON(w, c.Snapshot())
}

func (m *Monitor) registers(w http.ResponseWriter, r *http.Request) {
	c := m.findControllerOr404(w, mux.Vars(r)["name"])
	if c == nil {
		return
	}

	writeJSON(w, c.DumpRegisters())
}

type fieldReq struct {
	CompName  string `json:"comp_name,omitempty"`
	FieldName string `json:"field_name,omitempty"`
}

func (m *Monitor) fieldValue(w http.ResponseWriter, r *http.Request) {
	req := fieldReq{}

	err := json.Unmarshal([]byte(mux.Vars(r)["json"]), &req)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprintf(w, "Error: %s", err)
		return
	}

	c := m.findControllerOr404(w, req.CompName)
	if c == nil {
		return
	}

	serializer := goseth.NewSerializer()
	serializer.SetRoot(c)
	serializer.SetMaxDepth(1)

	err = serializer.SetEntryPoint(strings.Split(req.FieldName, "."))
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprintf(w, "Error: %s", err)
		return
	}

	dieOnErr(serializer.Serialize(w))
}

type bufferRsp struct {
	Buffer string `json:"buffer"`
	Level  int    `json:"level"`
	Cap    int    `json:"cap"`
}

func (m *Monitor) hangDetectorBuffers(w http.ResponseWriter, r *http.Request) {
	sortMethod, limit, offset, err := buffersParseParams(r)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprintf(w, "Error: %s", err)
		return
	}

	selected := m.sortAndSelectBuffers(sortMethod, limit, offset)

	rsp := make([]bufferRsp, 0, len(selected))
	for _, b := range selected {
		rsp = append(rsp, bufferRsp{
			Buffer: b.Name(),
			Level:  b.Size(),
			Cap:    b.Capacity(),
		})
	}

	writeJSON(w, rsp)
}

func buffersParseParams(
	r *http.Request,
) (sortMethod string, limit, offset int, err error) {
	query := r.URL.Query()

	sortMethod = query.Get("sort")
	if sortMethod == "" {
		sortMethod = "percent"
	}

	if sortMethod != "level" && sortMethod != "percent" {
		return "", 0, 0, fmt.Errorf(
			"invalid sort method: %s. Allowed values are `level` and `percent`",
			sortMethod)
	}

	if s := query.Get("limit"); s != "" {
		if limit, err = strconv.Atoi(s); err != nil {
			return "", 0, 0, err
		}
	}

	if s := query.Get("offset"); s != "" {
		if offset, err = strconv.Atoi(s); err != nil {
			return "", 0, 0, err
		}
	}

	if limit < 0 || offset < 0 {
		return "", 0, 0, errors.New("limit and offset must not be negative")
	}

	return sortMethod, limit, offset, nil
}

func bufferPercent(b sim.Buffer) float64 {
	return float64(b.Size()) / float64(b.Capacity())
}

// sortAndSelectBuffers sorts the buffers, fullest first, and returns the
// page selected by limit and offset. A zero limit selects every buffer after
// offset.
func (m *Monitor) sortAndSelectBuffers(
	sortMethod string,
	limit, offset int,
) []sim.Buffer {
	m.lock.Lock()
	buffers := append([]sim.Buffer(nil), m.buffers...)
	m.lock.Unlock()

	type entry struct {
		buf     sim.Buffer
		size    int
		percent float64
	}

	entries := make([]entry, len(buffers))
	for i, b := range buffers {
		entries[i] = entry{b, b.Size(), bufferPercent(b)}
	}

	sort.SliceStable(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]

		if sortMethod == "level" {
			if a.size != b.size {
				return a.size > b.size
			}

			return a.percent > b.percent
		}

		if a.percent != b.percent {
			return a.percent > b.percent
		}

		return a.size > b.size
	})

	start := min(offset, len(entries))
	end := len(entries)
	if limit > 0 {
		end = min(start+limit, end)
	}

	selected := make([]sim.Buffer, 0, end-start)
	for _, e := range entries[start:end] {
		selected = append(selected, e.buf)
	}

	return selected
}

func (m *Monitor) findControllerOr404(
	w http.ResponseWriter,
	name string,
) Controller {
	m.lock.Lock()
	defer m.lock.Unlock()

	for _, c := range m.controllers {
		if c.Name() == name {
			return c
		}
	}

	w.WriteHeader(http.StatusNotFound)
	_, err := w.Write([]byte("Controller not found"))
	dieOnErr(err)

	return nil
}

func (m *Monitor) listProgressBars(w http.ResponseWriter, _ *http.Request) {
	m.lock.Lock()
	bars := make([]progressRsp, 0, len(m.progressBars))
	for _, b := range m.progressBars {
		bars = append(bars, b.snapshot())
	}
	m.lock.Unlock()

	writeJSON(w, bars)
}

type resourceRsp struct {
	CPUPercent float64 `json:"cpu_percent"`
	MemorySize uint64  `json:"memory_size"`
}

func (m *Monitor) listResources(w http.ResponseWriter, _ *http.Request) {
	proc, err := process.NewProcess(int32(os.Getpid()))
	dieOnErr(err)

	cpuPercent, err := proc.CPUPercent()
	dieOnErr(err)

	memInfo, err := proc.MemoryInfo()
	dieOnErr(err)

	writeJSON(w, resourceRsp{
		CPUPercent: cpuPercent,
		MemorySize: memInfo.RSS,
	})
}

func (m *Monitor) collectProfile(w http.ResponseWriter, _ *http.Request) {
	buf := bytes.NewBuffer(nil)

	err := pprof.StartCPUProfile(buf)
	dieOnErr(err)

	time.Sleep(time.Second)

	pprof.StopCPUProfile()

	prof, err := profile.ParseData(buf.Bytes())
	dieOnErr(err)

	writeJSON(w, prof)
}

func writeJSON(w http.ResponseWriter, v any) {
	b, err := json.Marshal(v)
	dieOnErr(err)

	w.Header().Set("Content-Type", "application/json")
	_, err = w.Write(b)
	dieOnErr(err)
}

func dieOnErr(err error) {
	if err != nil {
		log.Panic(err)
	}
}
