package models_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"bitbucket.org/mmdatafocus/mes_backend/config"
	"bitbucket.org/mmdatafocus/mes_backend/models"
	"bitbucket.org/mmdatafocus/mes_backend/utils"
)

// Regression: two concurrent allocations that each fit individually but not
// together must resolve to exactly one success. The loser fails with
// InsufficientCapacity; the ACTIVE sum never exceeds the batch quantity.
func TestConcurrentAllocationsNeverOversellBatch(t *testing.T) {
	if strings.TrimSpace(os.Getenv("INTEGRATION_TESTS")) == "" {
		t.Skip("set INTEGRATION_TESTS=1 to run integration tests (requires docker)")
	}

	ctx := integrationContext(t)

	product, err := models.CreateProduct(ctx, &models.NewProduct{
		Sku:  "RM-ALLOC",
		Name: "Allocation Raw Material",
		Unit: "kg",
	})
	if err != nil {
		t.Fatalf("CreateProduct: %v", err)
	}

	batch, err := models.CreateBatch(ctx, &models.NewBatch{
		MaterialId: product.ID,
		Quantity:   dec("100"),
	})
	if err != nil {
		t.Fatalf("CreateBatch: %v", err)
	}
	if !batch.Quantity.Equal(dec("100")) {
		t.Fatalf("expected batch quantity 100, got %s", batch.Quantity)
	}

	var wg sync.WaitGroup
	results := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := models.AllocateBatch(ctx, &models.NewBatchAllocation{
				BatchId:     batch.ID,
				OrderLineId: 1000 + i,
				Quantity:    dec("60"),
			})
			results[i] = err
		}(i)
	}
	wg.Wait()

	succeeded, capacityFailures := 0, 0
	for _, err := range results {
		switch {
		case err == nil:
			succeeded++
		case errors.Is(err, models.ErrInsufficientCapacity):
			capacityFailures++
		default:
			t.Fatalf("unexpected allocation error: %v", err)
		}
	}
	if succeeded != 1 || capacityFailures != 1 {
		t.Fatalf("expected exactly one success and one capacity failure, got %d/%d", succeeded, capacityFailures)
	}

	available, err := models.AvailableQuantity(ctx, batch.ID)
	if err != nil {
		t.Fatalf("AvailableQuantity: %v", err)
	}
	if !available.Equal(dec("40")) {
		t.Fatalf("expected 40 available after one 60 allocation, got %s", available)
	}
}

func TestReleasedAllocationFreesCapacity(t *testing.T) {
	if strings.TrimSpace(os.Getenv("INTEGRATION_TESTS")) == "" {
		t.Skip("set INTEGRATION_TESTS=1 to run integration tests (requires docker)")
	}

	ctx := integrationContext(t)

	product, err := models.CreateProduct(ctx, &models.NewProduct{
		Sku:  "RM-RELEASE",
		Name: "Release Raw Material",
		Unit: "kg",
	})
	if err != nil {
		t.Fatalf("CreateProduct: %v", err)
	}
	batch, err := models.CreateBatch(ctx, &models.NewBatch{MaterialId: product.ID, Quantity: dec("50")})
	if err != nil {
		t.Fatalf("CreateBatch: %v", err)
	}

	allocation, err := models.AllocateBatch(ctx, &models.NewBatchAllocation{
		BatchId:     batch.ID,
		OrderLineId: 2000,
		Quantity:    dec("50"),
	})
	if err != nil {
		t.Fatalf("AllocateBatch: %v", err)
	}

	// full: the next allocation must fail
	if _, err := models.AllocateBatch(ctx, &models.NewBatchAllocation{
		BatchId:     batch.ID,
		OrderLineId: 2001,
		Quantity:    dec("1"),
	}); !errors.Is(err, models.ErrInsufficientCapacity) {
		t.Fatalf("expected ErrInsufficientCapacity on fully allocated batch, got %v", err)
	}

	if _, err := models.ReleaseAllocation(ctx, allocation.ID); err != nil {
		t.Fatalf("ReleaseAllocation: %v", err)
	}
	// double release keeps the audit row and fails
	if _, err := models.ReleaseAllocation(ctx, allocation.ID); !errors.Is(err, models.ErrAlreadyReleased) {
		t.Fatalf("expected ErrAlreadyReleased, got %v", err)
	}

	if _, err := models.AllocateBatch(ctx, &models.NewBatchAllocation{
		BatchId:     batch.ID,
		OrderLineId: 2002,
		Quantity:    dec("50"),
	}); err != nil {
		t.Fatalf("allocation after release: %v", err)
	}
}

// Regression: stock reserved by an ACTIVE allocation is not consumable.
// Allocating 60 of a 100 batch leaves 40 for confirmations; a declared
// consumption of 80 must fail without touching the ledger.
func TestConsumptionRespectsActiveAllocations(t *testing.T) {
	if strings.TrimSpace(os.Getenv("INTEGRATION_TESTS")) == "" {
		t.Skip("set INTEGRATION_TESTS=1 to run integration tests (requires docker)")
	}

	ctx := integrationContext(t)
	businessId, _ := utils.GetBusinessIdFromContext(ctx)

	product, err := models.CreateProduct(ctx, &models.NewProduct{
		Sku:  "RM-RESERVED",
		Name: "Reserved Raw Material",
		Unit: "kg",
	})
	if err != nil {
		t.Fatalf("CreateProduct: %v", err)
	}
	batch, err := models.CreateBatch(ctx, &models.NewBatch{MaterialId: product.ID, Quantity: dec("100")})
	if err != nil {
		t.Fatalf("CreateBatch: %v", err)
	}
	if _, err := models.AllocateBatch(ctx, &models.NewBatchAllocation{
		BatchId:     batch.ID,
		OrderLineId: 3000,
		Quantity:    dec("60"),
	}); err != nil {
		t.Fatalf("AllocateBatch: %v", err)
	}

	err = config.GetDB().WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		_, err := models.ConsumeBatchTx(ctx, tx, businessId, batch.ID, dec("80"), 0, "test consumption", "corr-reserved-1")
		return err
	})
	if !errors.Is(err, models.ErrInsufficientBatchQuantity) {
		t.Fatalf("expected ErrInsufficientBatchQuantity over allocated stock, got %v", err)
	}

	reloaded, err := models.GetBatch(ctx, batch.ID)
	if err != nil {
		t.Fatalf("GetBatch: %v", err)
	}
	if !reloaded.Quantity.Equal(dec("100")) {
		t.Fatalf("failed consumption must not move stock, batch holds %s", reloaded.Quantity)
	}

	// the unallocated remainder is still consumable
	err = config.GetDB().WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		_, err := models.ConsumeBatchTx(ctx, tx, businessId, batch.ID, dec("40"), 0, "test consumption", "corr-reserved-2")
		return err
	})
	if err != nil {
		t.Fatalf("consuming unallocated remainder: %v", err)
	}
	reloaded, err = models.GetBatch(ctx, batch.ID)
	if err != nil {
		t.Fatalf("GetBatch: %v", err)
	}
	if !reloaded.Quantity.Equal(dec("60")) {
		t.Fatalf("expected 60 left after consuming 40, got %s", reloaded.Quantity)
	}
}

// Under strict immutability (the default) scrapping a batch with remaining
// stock books the write-off as an executed ADJUSTMENT, so on-hand rebuilt from
// the ledger matches the scrapped batch at zero.
func TestScrapBatchWritesOffStockThroughLedger(t *testing.T) {
	if strings.TrimSpace(os.Getenv("INTEGRATION_TESTS")) == "" {
		t.Skip("set INTEGRATION_TESTS=1 to run integration tests (requires docker)")
	}

	ctx := integrationContext(t)

	product, err := models.CreateProduct(ctx, &models.NewProduct{
		Sku:  "RM-SCRAP",
		Name: "Scrap Raw Material",
		Unit: "kg",
	})
	if err != nil {
		t.Fatalf("CreateProduct: %v", err)
	}
	batch, err := models.CreateBatch(ctx, &models.NewBatch{MaterialId: product.ID, Quantity: dec("25")})
	if err != nil {
		t.Fatalf("CreateBatch: %v", err)
	}

	scrapped, err := models.ScrapBatch(ctx, batch.ID)
	if err != nil {
		t.Fatalf("ScrapBatch: %v", err)
	}
	if scrapped.Status != models.BatchStatusScrapped {
		t.Fatalf("expected SCRAPPED, got %s", scrapped.Status)
	}
	if !scrapped.Quantity.IsZero() {
		t.Fatalf("expected zero quantity after write-off, got %s", scrapped.Quantity)
	}

	movements, err := models.MovementsByBatch(ctx, batch.ID)
	if err != nil {
		t.Fatalf("MovementsByBatch: %v", err)
	}
	if len(movements) != 2 {
		t.Fatalf("expected initial stock plus write-off, got %d movements", len(movements))
	}
	ledger := decimal.Zero
	sawWriteOff := false
	for _, m := range movements {
		if m.Status != models.MovementStatusExecuted {
			t.Fatalf("movement %s is %s, expected EXECUTED", m.ID, m.Status)
		}
		if m.MovementType != models.MovementTypeAdjustment {
			t.Fatalf("movement %s is %s, expected ADJUSTMENT", m.ID, m.MovementType)
		}
		if m.Reason == "scrapped" {
			sawWriteOff = true
		}
		ledger = ledger.Add(m.Quantity)
	}
	if !sawWriteOff {
		t.Fatalf("no scrap write-off movement recorded")
	}
	if !ledger.IsZero() {
		t.Fatalf("ledger sum for scrapped batch is %s, expected 0", ledger)
	}
}

/* shared integration harness */

var integrationOnce sync.Once

func TestMain(m *testing.M) {
	code := m.Run()
	for _, key := range []string{"INTEGRATION_REDIS_CONTAINER", "INTEGRATION_MYSQL_CONTAINER"} {
		if name := os.Getenv(key); name != "" {
			_, _ = dockerRun("rm", "-f", name)
		}
	}
	os.Exit(code)
}

// integrationContext boots mysql+redis containers once per test binary,
// connects the config singletons, and returns a ctx carrying a fresh
// business plus user identity.
func integrationContext(t *testing.T) context.Context {
	t.Helper()

	integrationOnce.Do(func() {
		redisName, redisPort := startRedisContainer(t)
		mysqlName, mysqlPort := startMySQLContainer(t)
		// containers outlive individual tests; reaped at process exit
		os.Setenv("INTEGRATION_REDIS_CONTAINER", redisName)
		os.Setenv("INTEGRATION_MYSQL_CONTAINER", mysqlName)

		os.Setenv("REDIS_ADDRESS", fmt.Sprintf("127.0.0.1:%s", redisPort))
		os.Setenv("DB_USER", "root")
		os.Setenv("DB_PASSWORD", "testpw")
		os.Setenv("DB_HOST", "127.0.0.1")
		os.Setenv("DB_PORT", mysqlPort)
		os.Setenv("DB_NAME", "mes_test")

		config.ConnectDatabaseWithRetry()
		config.ConnectRedisWithRetry()
		models.MigrateTable()
	})
	if config.GetDB() == nil {
		t.Fatalf("database not initialized")
	}

	ctx := context.Background()
	ctx = utils.SetUserIdInContext(ctx, 1)
	ctx = utils.SetUserNameInContext(ctx, "Test")
	ctx = utils.SetUsernameInContext(ctx, "test@local")

	biz, err := models.CreateBusiness(ctx, &models.NewBusiness{
		Name:     fmt.Sprintf("Test Plant %d", time.Now().UnixNano()),
		Timezone: "UTC",
	})
	if err != nil {
		t.Fatalf("CreateBusiness: %v", err)
	}
	return utils.SetBusinessIdInContext(ctx, biz.ID.String())
}

func startRedisContainer(t *testing.T) (containerName, hostPort string) {
	t.Helper()
	name := fmt.Sprintf("mes-test-redis-%d", time.Now().UnixNano())
	out, err := dockerRun(
		"run", "-d", "--rm", "--name", name,
		"-p", "127.0.0.1:0:6379",
		"redis:7-alpine",
	)
	if err != nil {
		t.Fatalf("start redis container: %v\n%s", err, out)
	}
	port, err := dockerHostPort(name, "6379/tcp")
	if err != nil {
		t.Fatalf("redis docker port: %v", err)
	}
	deadline := time.Now().Add(60 * time.Second)
	for time.Now().Before(deadline) {
		_, err := dockerRun("exec", name, "redis-cli", "ping")
		if err == nil {
			return name, port
		}
		time.Sleep(250 * time.Millisecond)
	}
	t.Fatalf("redis did not become ready")
	return "", ""
}

func startMySQLContainer(t *testing.T) (containerName, hostPort string) {
	t.Helper()
	name := fmt.Sprintf("mes-test-mysql-%d", time.Now().UnixNano())
	out, err := dockerRun(
		"run", "-d", "--rm", "--name", name,
		"-e", "MYSQL_ROOT_PASSWORD=testpw",
		"-e", "MYSQL_DATABASE=mes_test",
		"-p", "127.0.0.1:0:3306",
		"mysql:8.0",
		"--default-authentication-plugin=mysql_native_password",
	)
	if err != nil {
		t.Fatalf("start mysql container: %v\n%s", err, out)
	}
	port, err := dockerHostPort(name, "3306/tcp")
	if err != nil {
		t.Fatalf("mysql docker port: %v", err)
	}
	deadline := time.Now().Add(120 * time.Second)
	for time.Now().Before(deadline) {
		_, err := dockerRun("exec", name, "mysqladmin", "ping", "-h", "127.0.0.1", "-ptestpw", "--silent")
		if err == nil {
			return name, port
		}
		time.Sleep(500 * time.Millisecond)
	}
	t.Fatalf("mysql did not become ready")
	return "", ""
}

func dockerHostPort(container, portProto string) (string, error) {
	out, err := dockerRun("port", container, portProto)
	if err != nil {
		return "", fmt.Errorf("docker port: %w: %s", err, out)
	}
	re := regexp.MustCompile(`:(\d+)`)
	m := re.FindStringSubmatch(out)
	if len(m) != 2 {
		return "", fmt.Errorf("unexpected docker port output: %q", out)
	}
	return m[1], nil
}

func dockerRun(args ...string) (string, error) {
	cmd := exec.Command("docker", args...)
	b, err := cmd.CombinedOutput()
	return string(b), err
}
