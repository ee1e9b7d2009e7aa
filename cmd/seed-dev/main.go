// seed-dev seeds a local database with a demo plant: one business, an admin
// user, products with a two-level BOM, a routing with operations, batch size
// configs, and raw-material batches ready to consume.
//
// Usage (from backend directory):
//   DB_USER=... DB_PASSWORD=... DB_HOST=... DB_PORT=... DB_NAME=... REDIS_ADDRESS=... go run ./cmd/seed-dev
package main

import (
	"context"
	"fmt"
	"os"

	"bitbucket.org/mmdatafocus/mes_backend/config"
	"bitbucket.org/mmdatafocus/mes_backend/models"
	"bitbucket.org/mmdatafocus/mes_backend/utils"
	"github.com/shopspring/decimal"
)

const (
	adminUsername = "mesAdmin"
	adminPassword = "M3$Admin!"
)

func main() {
	ctx := context.Background()
	config.ConnectDatabaseWithRetry()
	if config.GetDB() == nil {
		fmt.Fprintln(os.Stderr, "database not initialized (config.GetDB returned nil). Set DB_* env vars.")
		os.Exit(1)
	}
	// Batch numbering needs the redis sequence counter.
	config.ConnectRedisWithRetry()

	models.MigrateTable()

	ctx = utils.SetUserIdInContext(ctx, 0)
	ctx = utils.SetUserNameInContext(ctx, "Seed")
	ctx = utils.SetUsernameInContext(ctx, adminUsername)

	business, err := models.CreateBusiness(ctx, &models.NewBusiness{
		Name:      "Focus Furniture Works",
		Country:   "Myanmar",
		City:      "Yangon",
		Timezone:  "Asia/Yangon",
		PlantCode: "P01",
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create business: %v\n", err)
		os.Exit(1)
	}
	businessId := business.ID.String()
	ctx = utils.SetBusinessIdInContext(ctx, businessId)
	fmt.Printf("business %s (%s)\n", business.Name, businessId)

	if _, err := models.CreateUser(ctx, &models.NewUser{
		BusinessId: businessId,
		Username:   adminUsername,
		Name:       "MES Admin",
		Password:   adminPassword,
		IsActive:   utils.NewTrue(),
		Role:       models.UserRoleAdmin,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "failed to create admin user: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("user %s\n", adminUsername)

	type productSeed struct {
		sku          string
		name         string
		unit         string
		manufactured bool
	}
	productIds := map[string]int{}
	for _, p := range []productSeed{
		{"FG-TABLE", "Dining Table", "pcs", true},
		{"SF-TOP", "Table Top", "pcs", true},
		{"RM-WOOD", "Teak Plank", "pcs", false},
		{"RM-GLUE", "Wood Glue", "kg", false},
		{"RM-SCREW", "Wood Screw", "pcs", false},
	} {
		created, err := models.CreateProduct(ctx, &models.NewProduct{
			Sku:            p.sku,
			Name:           p.name,
			Unit:           p.unit,
			IsManufactured: p.manufactured,
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to create product %s: %v\n", p.sku, err)
			os.Exit(1)
		}
		productIds[p.sku] = created.ID
		fmt.Printf("product %s id=%d\n", p.sku, created.ID)
	}

	type bomSeed struct {
		productSku string
		material   string
		qty        string
		yieldLoss  string
		unit       string
	}
	for _, b := range []bomSeed{
		{"FG-TABLE", "SF-TOP", "1", "1.05", "pcs"},
		{"FG-TABLE", "RM-SCREW", "8", "1", "pcs"},
		{"SF-TOP", "RM-WOOD", "2", "1.1", "pcs"},
		{"SF-TOP", "RM-GLUE", "0.2", "1", "kg"},
	} {
		qty, _ := decimal.NewFromString(b.qty)
		yieldLoss, _ := decimal.NewFromString(b.yieldLoss)
		if _, err := models.CreateBomRequirement(ctx, &models.NewBomRequirement{
			ProductSku:       b.productSku,
			SequenceLevel:    1,
			MaterialId:       productIds[b.material],
			QuantityRequired: qty,
			Unit:             b.unit,
			YieldLossRatio:   yieldLoss,
		}); err != nil {
			fmt.Fprintf(os.Stderr, "failed to create bom %s <- %s: %v\n", b.productSku, b.material, err)
			os.Exit(1)
		}
	}
	fmt.Println("bom requirements seeded")

	// Default split config plus a tighter one for assembly lines.
	preferred := decimal.NewFromInt(100)
	if _, err := models.CreateBatchSizeConfig(ctx, &models.NewBatchSizeConfig{
		MinBatchSize:       decimal.NewFromInt(20),
		MaxBatchSize:       decimal.NewFromInt(120),
		PreferredBatchSize: &preferred,
		Unit:               "pcs",
		AllowPartialBatch:  true,
		Priority:           100,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "failed to create default batch size config: %v\n", err)
		os.Exit(1)
	}
	assembly := "ASSEMBLY"
	assemblyPreferred := decimal.NewFromInt(50)
	if _, err := models.CreateBatchSizeConfig(ctx, &models.NewBatchSizeConfig{
		OperationType:      &assembly,
		MinBatchSize:       decimal.NewFromInt(10),
		MaxBatchSize:       decimal.NewFromInt(60),
		PreferredBatchSize: &assemblyPreferred,
		Unit:               "pcs",
		AllowPartialBatch:  false,
		Priority:           10,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "failed to create assembly batch size config: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("batch size configs seeded")

	process, err := models.CreateProcess(ctx, &models.NewProcess{Code: "PRC-TABLE", Name: "Dining Table Build"})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create process: %v\n", err)
		os.Exit(1)
	}
	routing, err := models.CreateRouting(ctx, process.ID, "Table Routing v1")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create routing: %v\n", err)
		os.Exit(1)
	}

	type stepSeed struct {
		seq       int
		parallel  bool
		mandatory bool
		opCode    string
		opName    string
		opType    string
	}
	for _, s := range []stepSeed{
		{10, false, true, "OP-CUT", "Cut Planks", "CUTTING"},
		{20, false, true, "OP-ASM", "Assemble Top", "ASSEMBLY"},
		{20, true, false, "OP-INS", "Inline Inspection", "INSPECTION"},
		{30, false, true, "OP-PCK", "Pack", "PACKING"},
	} {
		step, err := models.CreateRoutingStep(ctx, &models.NewRoutingStep{
			RoutingId:      routing.ID,
			SequenceNumber: s.seq,
			IsParallel:     s.parallel,
			IsMandatory:    s.mandatory,
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to create routing step seq=%d: %v\n", s.seq, err)
			os.Exit(1)
		}
		if _, err := models.CreateOperation(ctx, &models.NewOperation{
			Code:          s.opCode,
			Name:          s.opName,
			OperationType: s.opType,
			RoutingStepId: step.ID,
		}); err != nil {
			fmt.Fprintf(os.Stderr, "failed to create operation %s: %v\n", s.opCode, err)
			os.Exit(1)
		}
		fmt.Printf("step seq=%d operation %s\n", s.seq, s.opCode)
	}

	type batchSeed struct {
		material string
		qty      string
		unit     string
	}
	for _, b := range []batchSeed{
		{"RM-WOOD", "500", "pcs"},
		{"RM-WOOD", "250", "pcs"},
		{"RM-GLUE", "40", "kg"},
		{"RM-SCREW", "10000", "pcs"},
		{"SF-TOP", "30", "pcs"},
	} {
		qty, _ := decimal.NewFromString(b.qty)
		batch, err := models.CreateBatch(ctx, &models.NewBatch{
			MaterialId: productIds[b.material],
			Quantity:   qty,
			Unit:       b.unit,
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to create batch for %s: %v\n", b.material, err)
			os.Exit(1)
		}
		fmt.Printf("batch %s material=%s qty=%s\n", batch.BatchNumber, b.material, b.qty)
	}

	fmt.Println("seed complete")
}
