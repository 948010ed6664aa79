package e2e

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sweets9/checkmounts/pkg/fstab"
	"github.com/sweets9/checkmounts/pkg/mount"
	"github.com/sweets9/checkmounts/pkg/notify"
	"github.com/sweets9/checkmounts/pkg/repair"
)

// writeFstab materializes an fstab file in a temp dir and returns its path.
func writeFstab(content string) string {
	dir := GinkgoT().TempDir()
	path := filepath.Join(dir, "fstab")
	Expect(os.WriteFile(path, []byte(content), 0o644)).To(Succeed())
	return path
}

// mountpointIn returns a mountpoint path inside the per-spec temp dir, so
// discovery creates directories under the test tree instead of on the host.
func mountpointIn(dir, name string) string {
	return filepath.Join(dir, "mnt", name)
}

var _ = Describe("Check run", func() {
	var (
		world     *fakeMountWorld
		collector *notify.Collector
		mail      *capturedMail
		orch      *repair.Orchestrator
		media     string
		backup    string
	)

	BeforeEach(func() {
		world = newFakeMountWorld()
		mail = &capturedMail{}
		collector = notify.NewCollector(true, notify.DefaultGates())
		collector.SetMail(mail)
		orch = repair.New(world, collector, nil, testSettle)

		dir := GinkgoT().TempDir()
		media = mountpointIn(dir, "media")
		backup = mountpointIn(dir, "backup")
	})

	flush := func(report *repair.Report) {
		Expect(collector.Flush(context.Background(), notify.DigestInfo{
			RunID:    report.RunID,
			Hostname: "testhost",
			Started:  report.Started,
			Finished: report.Finished,
		})).To(Succeed())
	}

	Describe("with every share healthy", func() {
		It("takes no action and sends no mail", func() {
			path := writeFstab(fmt.Sprintf(
				"# local disks\n"+
					"/dev/sda1 / ext4 defaults 0 1\n"+
					"filer01:/export/media %s nfs defaults 0 0\n"+
					"//nas/backup %s cifs credentials=/root/.smb 0 0\n", media, backup))
			shares, err := fstab.Parse(path)
			Expect(err).NotTo(HaveOccurred())
			Expect(shares).To(HaveLen(2), "local filesystems are filtered out")

			for _, s := range shares {
				world.mounted[s.Mountpoint] = true
			}

			report := orch.Run(context.Background(), shares)
			flush(report)

			Expect(report.OK()).To(BeTrue())
			Expect(report.Outcomes).To(HaveLen(2))
			for _, o := range report.Outcomes {
				Expect(o).To(Equal(repair.OutcomeNoAction))
			}
			Expect(world.callCount("Unmount")).To(BeZero())
			Expect(world.callCount("Remount")).To(BeZero())
			Expect(mail.count()).To(BeZero(), "an empty queue sends no digest")
		})
	})

	Describe("with a share missing from the mount table", func() {
		It("runs the full repair cycle without an unmount", func() {
			shares, err := fstab.Parse(writeFstab(
				fmt.Sprintf("filer01:/export/media %s nfs defaults 0 0\n", media)))
			Expect(err).NotTo(HaveOccurred())

			report := orch.Run(context.Background(), shares)
			flush(report)

			Expect(report.Outcomes[media]).To(Equal(repair.OutcomeRemounted))
			Expect(world.callCount("Unmount")).To(BeZero(), "unmount is a no-op for a down share")
			Expect(world.callCount("ScanResiduals")).To(Equal(1))
			Expect(world.callCount("Remount " + media + " host=filer01")).To(Equal(1))

			Expect(mail.count()).To(Equal(1))
			Expect(mail.lastSubject()).To(Equal("[checkMount] testhost Summary Report"))
			body := mail.lastBody()
			Expect(body).To(ContainSubstring("Share DOWN: " + media))
			Expect(body).To(ContainSubstring("Remount OK: " + media))
			Expect(body).To(ContainSubstring("Run ID: " + report.RunID))
		})
	})

	Describe("with a stale NFS handle", func() {
		BeforeEach(func() {
			world.mounted[media] = true
			world.stale[media] = mount.StaleResult{
				Stale:  true,
				Reason: mount.StaleReasonIOError,
				Detail: "stale NFS file handle",
			}
		})

		It("unmounts, remounts, and reports the repair", func() {
			shares, err := fstab.Parse(writeFstab(
				fmt.Sprintf("filer01:/export/media %s nfs4 defaults 0 0\n", media)))
			Expect(err).NotTo(HaveOccurred())

			report := orch.Run(context.Background(), shares)
			flush(report)

			Expect(report.Outcomes[media]).To(Equal(repair.OutcomeRemounted))
			Expect(world.callCount("Unmount " + media)).To(Equal(1))
			Expect(world.callCount("Remount " + media)).To(Equal(1))

			body := mail.lastBody()
			Expect(body).To(ContainSubstring("Stale handle: " + media))
			Expect(body).To(ContainSubstring("stale NFS file handle"))
			Expect(body).To(ContainSubstring("Remount OK: " + media))
		})

		It("keeps processing later shares when the unmount fails", func() {
			world.mounted[backup] = true
			world.unmountErr[media] = errors.New("all unmount stages exhausted")

			shares, err := fstab.Parse(writeFstab(fmt.Sprintf(
				"filer01:/export/media %s nfs defaults 0 0\n"+
					"//nas/backup %s cifs defaults 0 0\n", media, backup)))
			Expect(err).NotTo(HaveOccurred())

			report := orch.Run(context.Background(), shares)
			flush(report)

			Expect(report.Outcomes[media]).To(Equal(repair.OutcomeUnmountFailed))
			Expect(report.Outcomes[backup]).To(Equal(repair.OutcomeNoAction))
			Expect(report.OK()).To(BeFalse())
			Expect(world.callCount("Remount")).To(BeZero(), "no remount after a failed unmount")
			Expect(mail.lastBody()).To(ContainSubstring("Unmount FAILED: " + media))
		})
	})

	Describe("when the remount succeeds but the sentinel is missing", func() {
		It("classifies the share as repaired with an advisory", func() {
			world.staleAfter[media] = mount.StaleResult{
				Stale:  true,
				Reason: mount.StaleReasonSentinelMissing,
				Detail: ".checkMount file missing",
			}

			shares, err := fstab.Parse(writeFstab(
				fmt.Sprintf("filer01:/export/media %s nfs defaults 0 0\n", media)))
			Expect(err).NotTo(HaveOccurred())

			report := orch.Run(context.Background(), shares)
			flush(report)

			Expect(report.Outcomes[media]).To(Equal(repair.OutcomeRemountedSentinelMissing))
			Expect(report.OK()).To(BeTrue(), "a missing sentinel after remount is not a failure")
			body := mail.lastBody()
			Expect(body).To(ContainSubstring("Sentinel missing after remount: " + media))
			Expect(body).To(ContainSubstring("Remount OK: " + media))
		})
	})

	Describe("when residual files are found before the remount", func() {
		It("reports the inventory in the digest", func() {
			world.residuals[media] = mount.ResidualInventory{
				Count: 3,
				Entries: []string{
					filepath.Join(media, "a.mkv"),
					filepath.Join(media, "b.mkv"),
					filepath.Join(media, "c.mkv"),
				},
				TotalBytes: 1073741824,
			}

			shares, err := fstab.Parse(writeFstab(
				fmt.Sprintf("filer01:/export/media %s nfs defaults 0 0\n", media)))
			Expect(err).NotTo(HaveOccurred())

			report := orch.Run(context.Background(), shares)
			flush(report)

			body := mail.lastBody()
			Expect(body).To(ContainSubstring("Residual files: " + media))
			Expect(body).To(ContainSubstring("3 file(s)/folder(s)"))
			Expect(body).To(ContainSubstring("1.00 GB"))
			Expect(report.Outcomes[media]).To(Equal(repair.OutcomeRemounted))
		})
	})

	Describe("with an empty share list", func() {
		It("reports failure so the scheduler notices", func() {
			shares, err := fstab.Parse(writeFstab("# nothing but local disks\n/dev/sda1 / ext4 defaults 0 1\n"))
			Expect(err).NotTo(HaveOccurred())
			Expect(shares).To(BeEmpty())

			report := orch.Run(context.Background(), shares)
			Expect(report.OK()).To(BeFalse())
		})
	})
})
