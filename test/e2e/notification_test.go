package e2e

import (
	"context"
	"fmt"
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sweets9/checkmounts/pkg/fstab"
	"github.com/sweets9/checkmounts/pkg/mount"
	"github.com/sweets9/checkmounts/pkg/notify"
	"github.com/sweets9/checkmounts/pkg/repair"
)

var _ = Describe("Notification gating", func() {
	var (
		world  *fakeMountWorld
		mail   *capturedMail
		media  string
		backup string
	)

	BeforeEach(func() {
		dir := GinkgoT().TempDir()
		media = mountpointIn(dir, "media")
		backup = mountpointIn(dir, "backup")

		world = newFakeMountWorld()
		world.residuals[media] = mount.ResidualInventory{
			Count:      1,
			Entries:    []string{filepath.Join(media, "stray.bin")},
			TotalBytes: 1023,
		}
		mail = &capturedMail{}
	})

	runWith := func(collector *notify.Collector) *repair.Report {
		collector.SetMail(mail)
		orch := repair.New(world, collector, nil, testSettle)

		shares, err := fstab.Parse(writeFstab(
			fmt.Sprintf("filer01:/export/media %s nfs defaults 0 0\n", media)))
		Expect(err).NotTo(HaveOccurred())

		report := orch.Run(context.Background(), shares)
		Expect(collector.Flush(context.Background(), notify.DigestInfo{
			RunID:    report.RunID,
			Hostname: "testhost",
			Started:  report.Started,
			Finished: report.Finished,
		})).To(Succeed())
		return report
	}

	It("drops gated-off categories from the digest", func() {
		gates := notify.DefaultGates()
		gates[notify.CategoryResidualFiles] = false
		gates[notify.CategoryShareDown] = false

		runWith(notify.NewCollector(true, gates))

		Expect(mail.count()).To(Equal(1))
		body := mail.lastBody()
		Expect(body).NotTo(ContainSubstring("Residual files"))
		Expect(body).NotTo(ContainSubstring("Share DOWN"))
		Expect(body).To(ContainSubstring("Remount OK: "+media), "open categories still flow")
	})

	It("sends nothing when notifications are globally disabled", func() {
		report := runWith(notify.NewCollector(false, notify.DefaultGates()))

		Expect(report.Outcomes[media]).To(Equal(repair.OutcomeRemounted), "repairs still run")
		Expect(mail.count()).To(BeZero())
	})

	It("flushes the digest for work done before a cancellation", func() {
		collector := notify.NewCollector(true, notify.DefaultGates())
		collector.SetMail(mail)
		orch := repair.New(world, collector, nil, testSettle)

		shares, err := fstab.Parse(writeFstab(fmt.Sprintf(
			"filer01:/export/media %s nfs defaults 0 0\n"+
				"//nas/backup %s cifs defaults 0 0\n", media, backup)))
		Expect(err).NotTo(HaveOccurred())

		// The run's context dies after the first share finishes
		ctx, cancel := context.WithCancel(context.Background())
		report := orch.Run(ctx, shares[:1])
		cancel()

		// Flush runs on a fresh context, mirroring the exit path
		Expect(collector.Flush(context.Background(), notify.DigestInfo{
			RunID:    report.RunID,
			Hostname: "testhost",
			Started:  report.Started,
			Finished: report.Finished,
		})).To(Succeed())

		Expect(mail.count()).To(Equal(1))
		Expect(mail.lastBody()).To(ContainSubstring("Share DOWN: " + media))
	})
})
