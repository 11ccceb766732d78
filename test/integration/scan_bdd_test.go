//go:build integration

package integration

import (
	"context"
	"os"
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/eliteGoblin/clamsentry/internal/clamd"
	"github.com/eliteGoblin/clamsentry/internal/domain"
	"github.com/eliteGoblin/clamsentry/internal/infra"
	"github.com/eliteGoblin/clamsentry/internal/scan"
	"github.com/eliteGoblin/clamsentry/internal/usecase"
	"github.com/eliteGoblin/clamsentry/test/fixtures"
)

var _ = Describe("On-demand scan", func() {
	var (
		tmpDir        string
		inst          clamd.Installation
		fake          *fixtures.FakeInstall
		target        string
		quarantineDir string
		history       *usecase.HistoryService
		quarantine    domain.QuarantineStore
		scanner       *usecase.ScanService
	)

	BeforeEach(func() {
		skipWithoutShell()

		var err error
		tmpDir, err = os.MkdirTemp("", "clamsentry-integration-*")
		Expect(err).NotTo(HaveOccurred())

		fake = fixtures.NewFakeInstall(filepath.Join(tmpDir, "clamav"))
		Expect(fake.Create()).To(Succeed())
		inst = clamd.Installation{Dir: filepath.Join(tmpDir, "clamav")}

		target = filepath.Join(tmpDir, "target")
		quarantineDir = filepath.Join(tmpDir, "quarantine")
		Expect(os.MkdirAll(target, 0755)).To(Succeed())
		Expect(os.MkdirAll(quarantineDir, 0700)).To(Succeed())
		Expect(fake.PlantClean(filepath.Join(target, "readme.txt"))).To(Succeed())
		Expect(fake.PlantInfected(filepath.Join(target, "eicar.com"))).To(Succeed())
	})

	AfterEach(func() {
		os.RemoveAll(tmpDir)
	})

	newServices := func(historyStore domain.HistoryStore, quarantineStore domain.QuarantineStore) {
		logger := zap.NewNop()
		history = usecase.NewHistoryService(historyStore, logger)
		quarantine = quarantineStore
		scanner = usecase.NewScanService(scan.NewEngine(logger), history, quarantine, logger)
	}

	Describe("with the JSON stores", func() {
		BeforeEach(func() {
			newServices(
				infra.NewJSONHistoryStore(filepath.Join(tmpDir, "history.json")),
				infra.NewJSONQuarantineStore(filepath.Join(tmpDir, "quarantine.json")),
			)
		})

		Context("when quarantine is enabled", func() {
			It("should stream verdicts, move the threat and record it", func() {
				var results []domain.ScanItemResult
				opts := domain.ScanOptions{MoveToQuarantine: true, QuarantinePath: quarantineDir}

				report, err := scanner.Scan(context.Background(), inst, target, opts, func(r domain.ScanItemResult) {
					results = append(results, r)
				})
				Expect(err).NotTo(HaveOccurred())

				Expect(results).To(HaveLen(2))
				Expect(report.InfectedCount()).To(Equal(1))
				Expect(report.Summary.InfectedFiles).To(Equal("1"))
				Expect(report.Summary.EngineVersion).To(Equal("1.4.1"))
				Expect(report.Diagnostics).To(ContainElement(ContainSubstring("fake engine")))

				Expect(filepath.Join(target, "eicar.com")).NotTo(BeAnExistingFile())
				Expect(filepath.Join(quarantineDir, "eicar.com")).To(BeAnExistingFile())

				records, err := quarantine.List()
				Expect(err).NotTo(HaveOccurred())
				Expect(records).To(HaveLen(1))
				Expect(records[0].OriginalPath).To(Equal(filepath.Join(target, "eicar.com")))
				Expect(records[0].ThreatName).To(Equal("Eicar-Test-Signature"))

				dash, err := history.Dashboard()
				Expect(err).NotTo(HaveOccurred())
				Expect(dash.TotalScans).To(Equal(1))
				Expect(dash.TotalInfectedFiles).To(Equal(1))
			})

			It("should restore a quarantined file to where it was found", func() {
				opts := domain.ScanOptions{MoveToQuarantine: true, QuarantinePath: quarantineDir}
				_, err := scanner.Scan(context.Background(), inst, target, opts, nil)
				Expect(err).NotTo(HaveOccurred())

				records, err := quarantine.List()
				Expect(err).NotTo(HaveOccurred())
				Expect(records).To(HaveLen(1))

				svc := usecase.NewQuarantineService(quarantine, infra.NewFileSystemManager(), zap.NewNop())
				dest, err := svc.Restore(records[0].ID, "")
				Expect(err).NotTo(HaveOccurred())
				Expect(dest).To(Equal(filepath.Join(target, "eicar.com")))
				Expect(dest).To(BeAnExistingFile())

				remaining, err := svc.List()
				Expect(err).NotTo(HaveOccurred())
				Expect(remaining).To(BeEmpty())
			})
		})

		Context("when quarantine is disabled", func() {
			It("should leave the threat in place", func() {
				report, err := scanner.Scan(context.Background(), inst, target, domain.ScanOptions{}, nil)
				Expect(err).NotTo(HaveOccurred())
				Expect(report.InfectedCount()).To(Equal(1))
				Expect(report.Quarantined).To(BeEmpty())
				Expect(filepath.Join(target, "eicar.com")).To(BeAnExistingFile())
			})
		})

		Context("when the target does not exist", func() {
			It("should report the missing path", func() {
				_, err := scanner.Scan(context.Background(), inst, filepath.Join(tmpDir, "missing"), domain.ScanOptions{}, nil)
				Expect(err).To(MatchError(domain.ErrPathNotFound))
			})
		})
	})

	Describe("with the encrypted ledger", func() {
		var ledger *infra.EncryptedLedger

		BeforeEach(func() {
			key, err := infra.EnsureKey(infra.NewFileKeyProvider(filepath.Join(tmpDir, ".ledger.key")))
			Expect(err).NotTo(HaveOccurred())
			ledger, err = infra.NewEncryptedLedger(filepath.Join(tmpDir, "ledger.db"), key)
			Expect(err).NotTo(HaveOccurred())
			newServices(ledger.History(), ledger.Quarantine())
		})

		AfterEach(func() {
			if ledger != nil {
				ledger.Close()
			}
		})

		It("should persist history and quarantine records", func() {
			opts := domain.ScanOptions{MoveToQuarantine: true, QuarantinePath: quarantineDir}
			_, err := scanner.Scan(context.Background(), inst, target, opts, nil)
			Expect(err).NotTo(HaveOccurred())

			events, err := history.List(usecase.HistoryFilter{Type: domain.EventScan})
			Expect(err).NotTo(HaveOccurred())
			Expect(events).To(HaveLen(2))
			Expect(events[0].Details).To(ContainSubstring("Infected files: 1"))

			records, err := quarantine.List()
			Expect(err).NotTo(HaveOccurred())
			Expect(records).To(HaveLen(1))
		})
	})
})
