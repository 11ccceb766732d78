//go:build integration

package integration

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/eliteGoblin/clamsentry/internal/clamd"
	"github.com/eliteGoblin/clamsentry/internal/domain"
	"github.com/eliteGoblin/clamsentry/internal/infra"
	"github.com/eliteGoblin/clamsentry/internal/monitor"
	"github.com/eliteGoblin/clamsentry/internal/retry"
	"github.com/eliteGoblin/clamsentry/internal/scan"
	"github.com/eliteGoblin/clamsentry/internal/schedule"
	"github.com/eliteGoblin/clamsentry/internal/service"
	"github.com/eliteGoblin/clamsentry/internal/usecase"
	"github.com/eliteGoblin/clamsentry/test/fixtures"
)

func testClient(port int) *clamd.ClientImpl {
	cfg := clamd.DefaultClientConfig()
	cfg.Port = port
	cfg.PingTimeout = time.Second
	cfg.CommandTimeout = 5 * time.Second
	return clamd.NewClient(cfg, zap.NewNop())
}

func testMonitorConfig() monitor.Config {
	cfg := monitor.DefaultConfig()
	cfg.Debounce = 100 * time.Millisecond
	cfg.FileReady = retry.Policy{Interval: 20 * time.Millisecond, MaxAttempts: 5}
	return cfg
}

// scanned reports whether the fake daemon received CONTSCAN for path.
func scanned(d *fixtures.FakeDaemon, path string) bool {
	for _, c := range d.Commands() {
		if c == "CONTSCAN "+path {
			return true
		}
	}
	return false
}

var _ = Describe("Daemon protocol client", func() {
	var daemon *fixtures.FakeDaemon

	BeforeEach(func() {
		var err error
		daemon, err = fixtures.StartFakeDaemon()
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		daemon.Close()
	})

	It("should speak the framed commands clamd understands", func() {
		client := testClient(daemon.Port())
		ctx := context.Background()

		Expect(client.Ping(ctx)).To(Succeed())

		version, err := client.Version(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(version).To(HavePrefix("ClamAV 1.4.1"))

		stats, err := client.Stats(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(stats).To(ContainSubstring("END"))

		Expect(client.Shutdown(ctx)).To(Succeed())
		Expect(daemon.Received("SHUTDOWN")).To(BeTrue())
	})

	It("should return the verdict for a single file", func() {
		daemon.OnScan(func(path string) string {
			return path + ": Eicar-Test-Signature FOUND\n"
		})
		resp, err := testClient(daemon.Port()).ScanFile(context.Background(), "/srv/eicar.com")
		Expect(err).NotTo(HaveOccurred())
		Expect(resp).To(Equal("/srv/eicar.com: Eicar-Test-Signature FOUND"))
	})
})

var _ = Describe("Real-time monitoring", func() {
	var (
		tmpDir string
		root   string
		daemon *fixtures.FakeDaemon
		mon    *monitor.Monitor
		ctx    context.Context
		cancel context.CancelFunc
	)

	BeforeEach(func() {
		var err error
		tmpDir, err = os.MkdirTemp("", "clamsentry-monitor-*")
		Expect(err).NotTo(HaveOccurred())
		// Resolve symlinked temp dirs so event paths match what we write.
		tmpDir, err = filepath.EvalSymlinks(tmpDir)
		Expect(err).NotTo(HaveOccurred())
		root = filepath.Join(tmpDir, "watched")
		Expect(os.MkdirAll(filepath.Join(root, "cache"), 0755)).To(Succeed())

		daemon, err = fixtures.StartFakeDaemon()
		Expect(err).NotTo(HaveOccurred())

		logger := zap.NewNop()
		mon = monitor.New(testMonitorConfig(), testClient(daemon.Port()), monitor.NewFSNotifySourceFactory(64, logger), logger)
		ctx, cancel = context.WithCancel(context.Background())
	})

	AfterEach(func() {
		mon.Stop()
		cancel()
		daemon.Close()
		os.RemoveAll(tmpDir)
	})

	It("should scan matching files once and skip unmatched or excluded ones", func() {
		var settings monitor.Settings
		settings.AddRoot(root)
		settings.AddExclusion(filepath.Join(root, "cache"))
		settings.AddFilter(".pdf")
		Expect(mon.Start(ctx, settings)).To(Succeed())

		doc := filepath.Join(root, "report.pdf")
		Expect(os.WriteFile(doc, []byte("first"), 0644)).To(Succeed())
		Expect(os.WriteFile(doc, []byte("second"), 0644)).To(Succeed())
		Expect(os.WriteFile(filepath.Join(root, "build.tmp"), []byte("x"), 0644)).To(Succeed())
		Expect(os.WriteFile(filepath.Join(root, "cache", "blob.pdf"), []byte("x"), 0644)).To(Succeed())

		Eventually(func() bool { return scanned(daemon, doc) }, 5*time.Second, 50*time.Millisecond).Should(BeTrue())
		Consistently(func() int {
			n := 0
			for _, c := range daemon.Commands() {
				if strings.HasPrefix(c, "CONTSCAN ") {
					n++
				}
			}
			return n
		}, 500*time.Millisecond, 50*time.Millisecond).Should(Equal(1))
	})

	It("should pick up filter edits without restarting", func() {
		var settings monitor.Settings
		settings.AddRoot(root)
		Expect(mon.Start(ctx, settings)).To(Succeed())

		settings.AddFilter("*.exe")
		mon.UpdateFilter(settings)

		logFile := filepath.Join(root, "app.log")
		installer := filepath.Join(root, "setup.EXE")
		Expect(os.WriteFile(logFile, []byte("x"), 0644)).To(Succeed())
		Expect(os.WriteFile(installer, []byte("x"), 0644)).To(Succeed())

		Eventually(func() bool { return scanned(daemon, installer) }, 5*time.Second, 50*time.Millisecond).Should(BeTrue())
		Consistently(func() bool { return scanned(daemon, logFile) }, 500*time.Millisecond, 50*time.Millisecond).Should(BeFalse())
	})
})

var _ = Describe("Serve loop", func() {
	var (
		tmpDir   string
		root     string
		daemon   *fixtures.FakeDaemon
		registry *infra.FileRegistry
		history  *usecase.HistoryService
		settings *infra.LineSettingsStore
		svc      *service.Service
	)

	BeforeEach(func() {
		skipWithoutShell()

		var err error
		tmpDir, err = os.MkdirTemp("", "clamsentry-serve-*")
		Expect(err).NotTo(HaveOccurred())
		tmpDir, err = filepath.EvalSymlinks(tmpDir)
		Expect(err).NotTo(HaveOccurred())

		fake := fixtures.NewFakeInstall(filepath.Join(tmpDir, "clamav"))
		Expect(fake.Create()).To(Succeed())
		inst := clamd.Installation{Dir: filepath.Join(tmpDir, "clamav")}

		root = filepath.Join(tmpDir, "watched")
		Expect(os.MkdirAll(root, 0755)).To(Succeed())

		daemon, err = fixtures.StartFakeDaemon()
		Expect(err).NotTo(HaveOccurred())

		logger := zap.NewNop()
		client := testClient(daemon.Port())
		pm := infra.NewProcessManager()
		layout := infra.NewLayout(filepath.Join(tmpDir, "data"))
		Expect(layout.Ensure()).To(Succeed())

		registry = infra.NewFileRegistry(layout.RegistryFile(), pm)
		history = usecase.NewHistoryService(infra.NewJSONHistoryStore(layout.HistoryFile()), logger)
		settings = infra.NewLineSettingsStore(layout.DataDir)
		Expect(settings.SaveList(domain.ListMonitoredPaths, []string{root})).To(Succeed())

		supCfg := clamd.DefaultSupervisorConfig()
		supCfg.KillStrays = false
		supCfg.ShutdownGrace = 50 * time.Millisecond

		cfg := service.DefaultConfig()
		cfg.KeepaliveInterval = 100 * time.Millisecond
		cfg.SettingsInterval = 100 * time.Millisecond

		svc = service.New(cfg, inst, service.Deps{
			Supervisor: clamd.NewSupervisor(supCfg, client, pm, registry, logger),
			Monitor:    monitor.New(testMonitorConfig(), client, monitor.NewFSNotifySourceFactory(64, logger), logger),
			Scanner: usecase.NewScanService(scan.NewEngine(logger), history,
				infra.NewJSONQuarantineStore(layout.QuarantineFile()), logger),
			Scheduler: schedule.New(logger),
			Settings:  settings,
			History:   history,
			Registry:  registry,
			Processes: pm,
		}, logger)
	})

	AfterEach(func() {
		if daemon != nil {
			daemon.Close()
		}
		os.RemoveAll(tmpDir)
	})

	It("should register, monitor, follow settings edits and clean up on shutdown", func() {
		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() { done <- svc.Run(ctx) }()

		Eventually(func() bool {
			alive, pid := registry.IsServiceAlive()
			return alive && pid == os.Getpid()
		}, 5*time.Second, 50*time.Millisecond).Should(BeTrue())

		Eventually(func() []string {
			events, _ := history.List(usecase.HistoryFilter{Type: domain.EventMonitoring})
			var details []string
			for _, e := range events {
				details = append(details, e.Details)
			}
			return details
		}, 5*time.Second, 50*time.Millisecond).Should(ContainElement("Monitoring started for: " + root))

		first := filepath.Join(root, "first.txt")
		Expect(os.WriteFile(first, []byte("x"), 0644)).To(Succeed())
		Eventually(func() bool { return scanned(daemon, first) }, 5*time.Second, 50*time.Millisecond).Should(BeTrue())

		// A filter saved by the CLI reaches the running service and limits what is scanned.
		Expect(settings.SaveList(domain.ListFilters, []string{"*.exe"})).To(Succeed())
		time.Sleep(400 * time.Millisecond)
		ignored := filepath.Join(root, "scratch.tmp")
		matched := filepath.Join(root, "tool.exe")
		Expect(os.WriteFile(ignored, []byte("x"), 0644)).To(Succeed())
		Expect(os.WriteFile(matched, []byte("x"), 0644)).To(Succeed())
		Eventually(func() bool { return scanned(daemon, matched) }, 5*time.Second, 50*time.Millisecond).Should(BeTrue())
		Consistently(func() bool { return scanned(daemon, ignored) }, 500*time.Millisecond, 50*time.Millisecond).Should(BeFalse())

		cancel()
		Eventually(done, 10*time.Second).Should(Receive(BeNil()))
		Expect(registry.GetRegistryPath()).NotTo(BeAnExistingFile())
		Expect(daemon.Received("SHUTDOWN")).To(BeTrue())
	})

	It("should notice a lost daemon on keepalive", func() {
		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() { done <- svc.Run(ctx) }()

		Eventually(func() bool {
			alive, _ := registry.IsServiceAlive()
			return alive
		}, 5*time.Second, 50*time.Millisecond).Should(BeTrue())

		// The fake install has no clamd binary, so the restart attempt fails
		// and the service keeps running.
		daemon.Close()
		daemon = nil
		Consistently(done, 500*time.Millisecond).ShouldNot(Receive())

		cancel()
		Eventually(done, 10*time.Second).Should(Receive(BeNil()))
	})
})
