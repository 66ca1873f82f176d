package integration

import (
	"encoding/json"
	"net/http"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/stacklok/kbsync/internal/dify/difytest"
	"github.com/stacklok/kbsync/internal/status"
	"github.com/stacklok/kbsync/internal/targets"
	"github.com/stacklok/kbsync/test-integration/kbsync/helpers"
)

var _ = Describe("Serve Mode", Label("serve"), func() {
	var (
		tempDir      string
		srv          *difytest.Server
		docs         []helpers.FeedDocument
		serverHelper *helpers.AppTestHelper
	)

	start := func(opts helpers.ConfigOptions) {
		opts.BaseURL = srv.URL
		opts.Datasets = []string{"kb1", "kb2"}
		opts.Feed = helpers.WriteFeed(tempDir, docs)
		serverHelper = helpers.NewAppTestHelper(ctx, helpers.WriteConfigYAML(tempDir, opts))
		Expect(serverHelper.StartServer()).To(Succeed())
		serverHelper.WaitForServerReady(10 * time.Second)
	}

	phase := func() status.SyncPhase {
		st, err := serverHelper.GetStatus()
		if err != nil {
			return ""
		}
		return st.Sync.Phase
	}

	BeforeEach(func() {
		tempDir = createTempDir("kbsync-serve-")
		srv = difytest.NewServer(helpers.TestToken)
		srv.AddDataset("kb1", "Primary docs")
		srv.AddDataset("kb2", "Secondary docs")
		docs = helpers.CreateTestDocuments(3)
	})

	AfterEach(func() {
		if serverHelper != nil {
			Expect(serverHelper.StopServer()).To(Succeed())
		}
		srv.Close()
		cleanupTempDir(tempDir)
	})

	It("should run an initial sync and report it in the status API", func() {
		start(helpers.ConfigOptions{})

		Eventually(phase, 10*time.Second, 50*time.Millisecond).Should(Equal(status.SyncPhaseComplete))

		st, err := serverHelper.GetStatus()
		Expect(err).NotTo(HaveOccurred())
		Expect(st.Strategy).To(Equal(string(targets.StrategyPrimary)))
		Expect(st.Sync.LastSummary).NotTo(BeNil())
		Expect(st.Sync.LastSummary.Created).To(Equal(3))
		Expect(st.Sync.LastRunID).NotTo(BeEmpty())
		Expect(st.Backend).NotTo(BeNil())
		Expect(st.Backend.DocumentsCreated).To(BeEquivalentTo(3))
	})

	It("should list the configured targets", func() {
		start(helpers.ConfigOptions{})

		resp, err := serverHelper.Get("/v1/targets")
		Expect(err).NotTo(HaveOccurred())
		defer func() { _ = resp.Body.Close() }()
		Expect(resp.StatusCode).To(Equal(http.StatusOK))

		var listed []targets.Target
		Expect(json.NewDecoder(resp.Body).Decode(&listed)).To(Succeed())
		Expect(listed).To(HaveLen(2))
		Expect(listed[0].ID).To(Equal("kb1"))
	})

	It("should sync again when triggered", func() {
		start(helpers.ConfigOptions{})
		Eventually(phase, 10*time.Second, 50*time.Millisecond).Should(Equal(status.SyncPhaseComplete))

		docs[0].Content += "\n\nUpdated for the new release."
		helpers.WriteFeed(tempDir, docs)

		code, err := serverHelper.TriggerSync()
		Expect(err).NotTo(HaveOccurred())
		Expect(code).To(Equal(http.StatusAccepted))

		Eventually(func() int {
			st, err := serverHelper.GetStatus()
			if err != nil || st.Sync.LastSummary == nil {
				return 0
			}
			return st.Sync.LastSummary.Updated
		}, 10*time.Second, 50*time.Millisecond).Should(Equal(1))
	})

	It("should sync when the feed file changes", func() {
		start(helpers.ConfigOptions{Watch: true})
		Eventually(phase, 10*time.Second, 50*time.Millisecond).Should(Equal(status.SyncPhaseComplete))

		docs = helpers.CreateTestDocuments(5)
		helpers.WriteFeed(tempDir, docs)

		Eventually(func() int {
			return len(srv.Documents("kb1"))
		}, 10*time.Second, 50*time.Millisecond).Should(Equal(5))
	})

	It("should report a partial run when a document fails", func() {
		srv.FailNext("create", http.StatusBadRequest)
		start(helpers.ConfigOptions{})

		Eventually(phase, 10*time.Second, 50*time.Millisecond).Should(Equal(status.SyncPhasePartial))
	})
})
