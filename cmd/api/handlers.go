package main

import (
	"net/http"
	"time"

	"leadflow/lead"
	"leadflow/requirement"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
)

type requirementResponse struct {
	ID                 string              `json:"id"`
	BuyerID            string              `json:"buyer_id"`
	ProductName        string              `json:"product_name"`
	Details            requirement.Details `json:"details"`
	Quantity           *string             `json:"quantity"`
	LocationPreference *string             `json:"location_preference"`
	City               *string             `json:"city"`
	Status             requirement.Status  `json:"status"`
	CreatedAt          string              `json:"created_at"`
	UpdatedAt          string              `json:"updated_at"`
}

func toRequirementResponse(r requirement.Requirement) requirementResponse {
	return requirementResponse{
		ID:                 r.ID,
		BuyerID:            r.BuyerID,
		ProductName:        r.ProductName,
		Details:            r.Details,
		Quantity:           r.Quantity,
		LocationPreference: r.LocationPreference,
		City:               r.City,
		Status:             r.Status,
		CreatedAt:          formatTime(r.CreatedAt),
		UpdatedAt:          formatTime(r.UpdatedAt),
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

type createRequirementRequest struct {
	ProductRequirement string           `json:"product_requirement" binding:"required,max=500"`
	Category           string           `json:"category" binding:"max=100"`
	Quantity           string           `json:"quantity" binding:"max=100"`
	BudgetMin          *decimal.Decimal `json:"budget_min"`
	BudgetMax          *decimal.Decimal `json:"budget_max"`
	DeliveryLocation   string           `json:"delivery_location" binding:"max=200"`
	BuyerName          string           `json:"buyer_name" binding:"max=200"`
	BuyerPhone         string           `json:"buyer_phone" binding:"max=50"`
	BuyerEmail         string           `json:"buyer_email" binding:"omitempty,email"`
	AdditionalDetails  string           `json:"additional_details"`
}

type updateRequirementRequest struct {
	ProductName        *string              `json:"product_name" binding:"omitempty,max=500"`
	Details            *requirement.Details `json:"details"`
	Quantity           *string              `json:"quantity" binding:"omitempty,max=100"`
	LocationPreference *string              `json:"location_preference" binding:"omitempty,max=200"`
	City               *string              `json:"city" binding:"omitempty,max=200"`
}

type listQuery struct {
	Status   string `form:"status"`
	Page     int    `form:"page" binding:"omitempty,min=1"`
	PageSize int    `form:"pageSize" binding:"omitempty,min=1"`
}

type claimRequest struct {
	RequirementID string `json:"requirementId" binding:"required"`
	Message       string `json:"message" binding:"required"`
}

func (s *Server) handleCreateRequirement(c *gin.Context) {
	var body createRequirementRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		respondBindError(c, err)
		return
	}

	created, err := s.requirementService.Create(c.Request.Context(), userID(c), requirement.CreateParams{
		ProductRequirement: body.ProductRequirement,
		Category:           body.Category,
		Quantity:           body.Quantity,
		BudgetMin:          body.BudgetMin,
		BudgetMax:          body.BudgetMax,
		DeliveryLocation:   body.DeliveryLocation,
		BuyerName:          body.BuyerName,
		BuyerPhone:         body.BuyerPhone,
		BuyerEmail:         body.BuyerEmail,
		AdditionalDetails:  body.AdditionalDetails,
	})
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"message": "Requirement created successfully",
		"data":    toRequirementResponse(created),
	})
}

func (s *Server) handleListRequirements(c *gin.Context) {
	var q listQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		respondBindError(c, err)
		return
	}
	res, err := s.requirementService.List(c.Request.Context(), requirement.Filters{
		Status:   q.Status,
		Page:     q.Page,
		PageSize: q.PageSize,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, listResponse(res))
}

func (s *Server) handleMyRequirements(c *gin.Context) {
	var q listQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		respondBindError(c, err)
		return
	}
	res, err := s.requirementService.ListMine(c.Request.Context(), userID(c), q.Page, q.PageSize)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, listResponse(res))
}

func listResponse(res requirement.ListResult) gin.H {
	items := make([]requirementResponse, 0, len(res.Items))
	for _, r := range res.Items {
		items = append(items, toRequirementResponse(r))
	}
	return gin.H{
		"data":     items,
		"total":    res.Total,
		"page":     res.Page,
		"pageSize": res.PageSize,
	}
}

func (s *Server) handleGetRequirement(c *gin.Context) {
	r, err := s.requirementService.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": r.ID, "product_name": r.ProductName})
}

func (s *Server) handleUpdateRequirement(c *gin.Context) {
	var body updateRequirementRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		respondBindError(c, err)
		return
	}
	updated, err := s.requirementService.Update(c.Request.Context(), c.Param("id"), userID(c), requirement.UpdateParams{
		ProductName:        body.ProductName,
		Details:            body.Details,
		Quantity:           body.Quantity,
		LocationPreference: body.LocationPreference,
		City:               body.City,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"message": "Requirement updated successfully",
		"data":    toRequirementResponse(updated),
	})
}

func (s *Server) handleDeleteRequirement(c *gin.Context) {
	if err := s.requirementService.Delete(c.Request.Context(), c.Param("id"), userID(c)); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleDeleteAllRequirements(c *gin.Context) {
	n, err := s.requirementService.DeleteAll(c.Request.Context(), userID(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"message":      "All requirements deleted successfully",
		"deletedCount": n,
	})
}

func (s *Server) handleCloseRequirement(c *gin.Context) {
	res, err := s.lifecycleService.Close(c.Request.Context(), c.Param("id"), userID(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"message":     "Deal closed successfully",
		"closedLeads": res.ClosedLeads,
	})
}

func (s *Server) handleClaim(c *gin.Context) {
	var body claimRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		respondBindError(c, err)
		return
	}
	res, err := s.claimService.Claim(c.Request.Context(), lead.ClaimRequest{
		SellerID:      userID(c),
		RequirementID: body.RequirementID,
		Message:       body.Message,
	})
	if err != nil {
		respondError(c, err)
		return
	}

	msg := "Buyer contacted successfully"
	if res.NotificationPending {
		msg = "Lead accepted; message delivery pending"
	}
	c.JSON(http.StatusOK, gin.H{
		"message":             msg,
		"leadId":              res.LeadID,
		"notificationPending": res.NotificationPending,
	})
}

func (s *Server) handleCancel(c *gin.Context) {
	res, err := s.lifecycleService.Cancel(c.Request.Context(), c.Param("id"), userID(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"message":       "Lead cancelled successfully",
		"leadId":        res.LeadID,
		"requirementId": res.RequirementID,
	})
}

func (s *Server) handleStats(c *gin.Context) {
	stats, err := s.sellerService.Stats(c.Request.Context(), userID(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"open":     stats.Open,
		"accepted": stats.Accepted,
		"total":    stats.Total,
	})
}

type contactedResponse struct {
	requirementResponse
	LeadID        string      `json:"lead_id"`
	LeadStatus    lead.Status `json:"lead_status"`
	LeadMessage   string      `json:"lead_message"`
	LeadCreatedAt string      `json:"lead_created_at"`
	BuyerName     string      `json:"buyer_name,omitempty"`
	BuyerEmail    string      `json:"buyer_email,omitempty"`
}

func (s *Server) handleContacted(c *gin.Context) {
	list, err := s.sellerService.Contacted(c.Request.Context(), userID(c))
	if err != nil {
		respondError(c, err)
		return
	}
	out := make([]contactedResponse, 0, len(list))
	for _, item := range list {
		out = append(out, contactedResponse{
			requirementResponse: toRequirementResponse(item.Requirement),
			LeadID:              item.LeadID,
			LeadStatus:          item.LeadStatus,
			LeadMessage:         item.LeadMessage,
			LeadCreatedAt:       formatTime(item.LeadCreatedAt),
			BuyerName:           item.Requirement.Details.Meta.BuyerName,
			BuyerEmail:          item.Requirement.Details.Meta.BuyerEmail,
		})
	}
	c.JSON(http.StatusOK, gin.H{"data": out, "count": len(out)})
}
