// Package api implements the HTTP/JSON surface as a thin gin-gonic
// router: each handler decodes a request, calls exactly one core
// operation on the Node, and encodes either the success payload or the
// standard {error, message} envelope. No business logic lives here.
package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"

	"github.com/nilotic/ledger/internal/apperr"
	"github.com/nilotic/ledger/internal/chain"
	"github.com/nilotic/ledger/internal/node"
	"github.com/nilotic/ledger/internal/porc"
)

// Version is reported by GET / for operators and the smoke-test suite.
const Version = "1.0.0"

// NewRouter builds the gin engine exposing the node's HTTP surface plus
// GET /metrics and GET /healthz.
func NewRouter(n *node.Node) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/", handleInfo(n))
	r.GET("/chain", handleChain(n))
	r.GET("/balance", handleBalance(n))
	r.POST("/transaction", handleTransaction(n))
	r.POST("/mine", handleMine(n))
	r.POST("/stake", handleStake(n))
	r.POST("/unstake", handleUnstake(n))
	r.POST("/porc/enable", handlePoRCEnable(n))
	r.GET("/porc/stats", handlePoRCStats(n))
	r.POST("/porc/submit_log", handlePoRCSubmit(n))
	r.GET("/porc/wallet/:address", handlePoRCWallet(n))
	r.GET("/porc/pools", handlePoRCPools(n))
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET("/healthz", handleHealthz)
	r.GET("/ws", func(c *gin.Context) { n.Hub.ServeHTTP(c.Writer, c.Request) })

	return r
}

func handleInfo(n *node.Node) gin.HandlerFunc {
	return func(c *gin.Context) {
		cfg := n.State.Config()
		c.JSON(http.StatusOK, gin.H{
			"chain_height":         n.State.Height(),
			"difficulty":           cfg.Difficulty,
			"mining_reward":        cfg.MiningReward,
			"pending_transactions": n.State.PendingLen(),
			"version":              Version,
		})
	}
}

func handleChain(n *node.Node) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"blocks": n.State.Chain()})
	}
}

func handleBalance(n *node.Node) gin.HandlerFunc {
	return func(c *gin.Context) {
		address := c.Query("address")
		if address == "" {
			writeError(c, http.StatusBadRequest, "address is required")
			return
		}
		c.JSON(http.StatusOK, gin.H{"address": address, "balance": n.State.Balance(address)})
	}
}

func handleTransaction(n *node.Node) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			Sender    string          `json:"sender"`
			Recipient string          `json:"recipient"`
			Amount    decimal.Decimal `json:"amount"`
			IsOffline bool            `json:"is_offline"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			writeError(c, http.StatusBadRequest, "invalid request body")
			return
		}

		tx := chain.NewTransaction(req.Sender, req.Recipient, req.Amount, req.IsOffline, "", "")
		tx.Sign(req.Sender)

		if err := n.SubmitTransaction(tx); err != nil {
			writeAppErr(c, err)
			return
		}
		c.JSON(http.StatusCreated, gin.H{"hash": tx.Hash})
	}
}

func handleMine(n *node.Node) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			MinerAddress string `json:"miner_address"`
		}
		if err := c.ShouldBindJSON(&req); err != nil || req.MinerAddress == "" {
			writeError(c, http.StatusBadRequest, "miner_address is required")
			return
		}

		block, err := n.MineOnce(c.Request.Context(), req.MinerAddress)
		if err != nil {
			writeAppErr(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"index":         block.Index,
			"hash":          block.Hash,
			"transactions":  len(block.Transactions),
			"merkle_root":   block.MerkleRoot,
		})
	}
}

func handleStake(n *node.Node) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			Address string          `json:"address"`
			Amount  decimal.Decimal `json:"amount"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			writeError(c, http.StatusBadRequest, "invalid request body")
			return
		}
		if err := n.State.Stake(req.Address, req.Amount); err != nil {
			writeAppErr(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"address": req.Address, "stake": n.State.StakeOf(req.Address)})
	}
}

func handleUnstake(n *node.Node) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			Address string          `json:"address"`
			Amount  decimal.Decimal `json:"amount"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			writeError(c, http.StatusBadRequest, "invalid request body")
			return
		}
		if err := n.State.Unstake(req.Address, req.Amount); err != nil {
			writeAppErr(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"address": req.Address, "stake": n.State.StakeOf(req.Address)})
	}
}

func handlePoRCEnable(n *node.Node) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			Address                string          `json:"address"`
			BandwidthLimitMBPerDay decimal.Decimal `json:"bandwidth_limit_mb_per_day"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			writeError(c, http.StatusBadRequest, "invalid request body")
			return
		}
		wallet, err := n.PoRC.Enable(req.Address, req.BandwidthLimitMBPerDay)
		if err != nil {
			writeAppErr(c, err)
			return
		}
		c.JSON(http.StatusOK, wallet)
	}
}

func handlePoRCStats(n *node.Node) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"pools": n.PoRC.Pools()})
	}
}

func handlePoRCSubmit(n *node.Node) gin.HandlerFunc {
	return func(c *gin.Context) {
		var contrib porc.Contribution
		if err := c.ShouldBindJSON(&contrib); err != nil {
			writeError(c, http.StatusBadRequest, "invalid request body")
			return
		}
		if err := n.PoRC.SubmitContribution(contrib); err != nil {
			writeAppErr(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"accepted": true})
	}
}

func handlePoRCWallet(n *node.Node) gin.HandlerFunc {
	return func(c *gin.Context) {
		address := c.Param("address")
		wallet, ok := n.PoRC.Wallet(address)
		if !ok {
			writeError(c, http.StatusNotFound, "wallet not enrolled")
			return
		}
		c.JSON(http.StatusOK, wallet)
	}
}

func handlePoRCPools(n *node.Node) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"pools": n.PoRC.Pools()})
	}
}

func handleHealthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// writeError emits the standard error envelope.
func writeError(c *gin.Context, status int, message string) {
	c.JSON(status, gin.H{"error": true, "message": message})
}

// writeAppErr maps an apperr.Error kind to an HTTP status: 400 for
// malformed input and failed eligibility or funds checks, 409 for
// conflicts like duplicate transactions, 500 otherwise. No kind maps to
// 404; handlers that look up a resource write their own 404.
func writeAppErr(c *gin.Context, err error) {
	var ae *apperr.Error
	if !errors.As(err, &ae) {
		writeError(c, http.StatusInternalServerError, err.Error())
		return
	}

	switch ae.Kind {
	case "invalid_transaction", "porc_ineligible", "porc_proof_invalid", "insufficient_funds", "not_a_validator":
		writeError(c, http.StatusBadRequest, ae.Error())
	case "duplicate_transaction", "rate_limited", "block_rejected", "search_failed":
		writeError(c, http.StatusConflict, ae.Error())
	default:
		writeError(c, http.StatusInternalServerError, ae.Error())
	}
}
