package integration

import (
	"errors"
	"net/http"
	"os"
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/stacklok/kbsync/internal/dify"
	"github.com/stacklok/kbsync/internal/dify/difytest"
	pkgsync "github.com/stacklok/kbsync/internal/sync"
	"github.com/stacklok/kbsync/internal/sync/state"
	"github.com/stacklok/kbsync/internal/targets"
	"github.com/stacklok/kbsync/test-integration/kbsync/helpers"
)

var _ = Describe("One-shot Sync", Label("sync"), func() {
	var (
		tempDir string
		srv     *difytest.Server
		docs    []helpers.FeedDocument
	)

	runWith := func(opts helpers.ConfigOptions) (*pkgsync.Summary, error) {
		opts.BaseURL = srv.URL
		if opts.Feed == "" {
			opts.Feed = helpers.WriteFeed(tempDir, docs)
		}
		return helpers.NewAppTestHelper(ctx, helpers.WriteConfigYAML(tempDir, opts)).RunOnce()
	}

	BeforeEach(func() {
		tempDir = createTempDir("kbsync-sync-")
		srv = difytest.NewServer(helpers.TestToken)
		srv.AddDataset("kb1", "Primary docs")
		srv.AddDataset("kb2", "Secondary docs")
		docs = helpers.CreateTestDocuments(3)
	})

	AfterEach(func() {
		srv.Close()
		cleanupTempDir(tempDir)
	})

	Context("Reconciling the feed", func() {
		It("should create every document with its fingerprint", func() {
			summary, err := runWith(helpers.ConfigOptions{Datasets: []string{"kb1"}})
			Expect(err).NotTo(HaveOccurred())
			Expect(summary.Success()).To(BeTrue())
			Expect(summary.Created).To(Equal(3))

			stored := srv.Documents("kb1")
			Expect(stored).To(HaveLen(3))
			for i, d := range stored {
				Expect(d.Metadata[dify.FieldURL]).To(Equal(docs[i].URL))
				Expect(d.Metadata[dify.FieldContentHash]).To(Equal(pkgsync.Fingerprint(docs[i].Content)))
			}

			committed, err := state.Verify(helpers.StatePath(tempDir))
			Expect(err).NotTo(HaveOccurred())
			Expect(committed).To(Equal(3))
		})

		It("should skip unchanged documents and update changed ones", func() {
			_, err := runWith(helpers.ConfigOptions{Datasets: []string{"kb1"}})
			Expect(err).NotTo(HaveOccurred())

			summary, err := runWith(helpers.ConfigOptions{Datasets: []string{"kb1"}})
			Expect(err).NotTo(HaveOccurred())
			Expect(summary.Skipped).To(Equal(3))
			Expect(srv.Calls("update")).To(Equal(0))

			docs[1].Content += "\n\nA new troubleshooting section."
			summary, err = runWith(helpers.ConfigOptions{Datasets: []string{"kb1"}})
			Expect(err).NotTo(HaveOccurred())
			Expect(summary.Updated).To(Equal(1))
			Expect(summary.Skipped).To(Equal(2))
			Expect(summary.Changed).To(Equal(1))
			Expect(srv.Documents("kb1")).To(HaveLen(3))
		})

		It("should treat the knowledge base as the source of truth when local state is lost", func() {
			_, err := runWith(helpers.ConfigOptions{Datasets: []string{"kb1"}})
			Expect(err).NotTo(HaveOccurred())
			Expect(os.RemoveAll(filepath.Dir(helpers.StatePath(tempDir)))).To(Succeed())

			summary, err := runWith(helpers.ConfigOptions{Datasets: []string{"kb1"}})
			Expect(err).NotTo(HaveOccurred())
			Expect(summary.Skipped).To(Equal(3))
			Expect(srv.Calls("create")).To(Equal(3))
		})
	})

	Context("Transient failures", func() {
		It("should retry server errors and succeed", func() {
			srv.FailNext("create", http.StatusServiceUnavailable, http.StatusBadGateway)

			summary, err := runWith(helpers.ConfigOptions{Datasets: []string{"kb1"}})
			Expect(err).NotTo(HaveOccurred())
			Expect(summary.Created).To(Equal(3))
			Expect(summary.Retries).To(BeNumerically(">=", 2))
			Expect(srv.Documents("kb1")).To(HaveLen(3))
		})

		It("should not commit documents that failed remotely", func() {
			srv.FailNext("create", http.StatusBadRequest)

			summary, err := runWith(helpers.ConfigOptions{Datasets: []string{"kb1"}})
			Expect(err).NotTo(HaveOccurred())
			Expect(summary.Failed).To(Equal(1))
			Expect(summary.Success()).To(BeFalse())

			committed, err := state.Verify(helpers.StatePath(tempDir))
			Expect(err).NotTo(HaveOccurred())
			Expect(committed).To(Equal(2))
		})

		It("should recover the state from its backup", func() {
			_, err := runWith(helpers.ConfigOptions{Datasets: []string{"kb1"}})
			Expect(err).NotTo(HaveOccurred())
			docs = append(docs, helpers.CreateTestDocuments(4)[3])
			_, err = runWith(helpers.ConfigOptions{Datasets: []string{"kb1"}})
			Expect(err).NotTo(HaveOccurred())

			Expect(os.WriteFile(helpers.StatePath(tempDir), []byte("{truncated"), 0600)).To(Succeed())

			summary, err := runWith(helpers.ConfigOptions{Datasets: []string{"kb1"}})
			Expect(err).NotTo(HaveOccurred())
			Expect(summary.Skipped).To(Equal(4))

			committed, err := state.Verify(helpers.StatePath(tempDir))
			Expect(err).NotTo(HaveOccurred())
			Expect(committed).To(Equal(4))
		})
	})

	Context("Target strategies", func() {
		It("should write every document to all targets", func() {
			summary, err := runWith(helpers.ConfigOptions{Datasets: []string{"kb1", "kb2"}, Strategy: "all"})
			Expect(err).NotTo(HaveOccurred())
			Expect(summary.Success()).To(BeTrue())
			Expect(srv.Documents("kb1")).To(HaveLen(3))
			Expect(srv.Documents("kb2")).To(HaveLen(3))
		})

		It("should fail over to the next target when the primary is gone", func() {
			srv.RemoveDataset("kb1")

			summary, err := runWith(helpers.ConfigOptions{Datasets: []string{"kb1", "kb2"}, Strategy: "primary"})
			Expect(err).NotTo(HaveOccurred())
			Expect(summary.Created).To(Equal(3))
			Expect(srv.Documents("kb2")).To(HaveLen(3))
		})

		It("should spread documents across targets in round robin", func() {
			summary, err := runWith(helpers.ConfigOptions{Datasets: []string{"kb1", "kb2"}, Strategy: "round_robin"})
			Expect(err).NotTo(HaveOccurred())
			Expect(summary.Created).To(Equal(3))
			Expect(srv.Documents("kb1")).NotTo(BeEmpty())
			Expect(srv.Documents("kb2")).NotTo(BeEmpty())
			Expect(len(srv.Documents("kb1")) + len(srv.Documents("kb2"))).To(Equal(3))
		})

		It("should abort the run when no target is reachable", func() {
			srv.RemoveDataset("kb1")
			srv.RemoveDataset("kb2")

			summary, err := runWith(helpers.ConfigOptions{Datasets: []string{"kb1", "kb2"}})
			var nte *targets.NoTargetsError
			Expect(errors.As(err, &nte)).To(BeTrue())
			Expect(nte.Reason).To(Equal(targets.ReasonAllUnreachable))
			Expect(summary.Aborted).NotTo(BeEmpty())
			Expect(summary.Pending).To(Equal(3))
		})
	})
})
